package utils

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// IgnoreList holds terms for folders and files the scanner must skip
type IgnoreList struct {
	terms []string
}

// NewIgnoreList creates an ignore list from terms
func NewIgnoreList(terms ...string) *IgnoreList {
	l := &IgnoreList{}
	for _, term := range terms {
		if term = strings.TrimSpace(term); term != "" {
			l.terms = append(l.terms, strings.ToLower(term))
		}
	}
	return l
}

// LoadIgnoreList reads one term per line. Blank lines and # comments are skipped.
// A missing file yields an empty list.
func LoadIgnoreList(path string) (*IgnoreList, error) {
	if path == "" {
		return NewIgnoreList(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return NewIgnoreList(), nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var terms []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		term := strings.TrimSpace(scanner.Text())
		if term != "" && !strings.HasPrefix(term, "#") {
			terms = append(terms, term)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return NewIgnoreList(terms...), nil
}

// Matches reports whether the base name of path contains an ignored term.
// Returns (matched, matchedTerm)
func (l *IgnoreList) Matches(path string) (bool, string) {
	if l == nil {
		return false, ""
	}
	name := strings.ToLower(filepath.Base(path))
	for _, term := range l.terms {
		if strings.Contains(name, term) {
			return true, term
		}
	}
	return false, ""
}

// Len returns the number of terms
func (l *IgnoreList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.terms)
}
