package anidb

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MaxDatagramSize is the largest packet AniDB sends or accepts
const MaxDatagramSize = 1400

// Commands that AniDB accepts without a session key
var sessionlessCommands = map[string]bool{
	"AUTH":    true,
	"PING":    true,
	"VERSION": true,
	"ENCRYPT": true,
}

// Params are the key=value arguments of a command
type Params map[string]string

// Command is one AniDB UDP API request. Adding a command type needs no
// changes to the client: build a Command with the name and params.
type Command struct {
	Name   string
	Params Params
}

// RequiresSession reports whether the session key must be attached
func (c Command) RequiresSession() bool {
	return !sessionlessCommands[strings.ToUpper(c.Name)]
}

// Response is a decoded AniDB reply
type Response struct {
	Tag   string
	Code  int
	Text  string   // Remainder of the status line after the code
	Lines []string // Data lines following the status line
}

// Fields splits a data line on '|' and unescapes each field
func (r *Response) Fields(line int) []string {
	if r == nil || line >= len(r.Lines) {
		return nil
	}
	parts := strings.Split(r.Lines[line], "|")
	for i, p := range parts {
		parts[i] = unescapeValue(p)
	}
	return parts
}

var valueEscaper = strings.NewReplacer("&", "&amp;", "\r\n", "<br />", "\n", "<br />")

var valueUnescaper = strings.NewReplacer("<br />", "\n", "`", "'")

func unescapeValue(v string) string {
	return valueUnescaper.Replace(v)
}

// encodeRequest renders "NAME k=v&k=v&tag=T&s=KEY". Params are sorted so
// identical commands always produce identical packets.
func encodeRequest(cmd Command, tag, sessionKey string) ([]byte, error) {
	name := strings.ToUpper(strings.TrimSpace(cmd.Name))
	if name == "" || strings.ContainsAny(name, " \n") {
		return nil, newError(KindUnmappableResponse, "encode", 0, fmt.Sprintf("invalid command name %q", cmd.Name), nil)
	}

	keys := make([]string, 0, len(cmd.Params))
	for k := range cmd.Params {
		if k == "tag" || k == "s" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys)+2)
	for _, k := range keys {
		args = append(args, k+"="+valueEscaper.Replace(cmd.Params[k]))
	}
	if tag != "" {
		args = append(args, "tag="+tag)
	}
	if sessionKey != "" {
		args = append(args, "s="+sessionKey)
	}

	packet := name
	if len(args) > 0 {
		packet += " " + strings.Join(args, "&")
	}
	if len(packet) > MaxDatagramSize {
		return nil, newError(KindUnmappableResponse, name, 0, fmt.Sprintf("request of %d bytes exceeds datagram size", len(packet)), nil)
	}
	return []byte(packet), nil
}

// decodeResponse parses "[tag] CODE text\nline\nline". Replies to packets the
// server could not parse carry no tag.
func decodeResponse(data []byte) (*Response, error) {
	text := strings.TrimRight(string(data), "\r\n\x00")
	if text == "" {
		return nil, newError(KindUnmappableResponse, "decode", 0, "empty datagram", nil)
	}

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	status := strings.SplitN(lines[0], " ", 3)

	resp := &Response{Lines: lines[1:]}
	if code, ok := parseCode(status[0]); ok {
		resp.Code = code
		resp.Text = strings.Join(status[1:], " ")
		return resp, nil
	}

	if len(status) < 2 {
		return nil, newError(KindUnmappableResponse, "decode", 0, fmt.Sprintf("malformed status line %q", lines[0]), nil)
	}
	code, ok := parseCode(status[1])
	if !ok {
		return nil, newError(KindUnmappableResponse, "decode", 0, fmt.Sprintf("malformed status line %q", lines[0]), nil)
	}
	resp.Tag = status[0]
	resp.Code = code
	if len(status) == 3 {
		resp.Text = status[2]
	}
	return resp, nil
}

func parseCode(s string) (int, bool) {
	if len(s) != 3 {
		return 0, false
	}
	code, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return code, true
}

// ParseRequest splits an encoded request back into its name and params
func ParseRequest(data []byte) (string, Params) {
	text := strings.TrimSpace(string(data))
	name, query, _ := strings.Cut(text, " ")
	params := Params{}
	if query == "" {
		return name, params
	}
	for _, pair := range splitArgs(query) {
		k, v, _ := strings.Cut(pair, "=")
		if k == "" {
			continue
		}
		params[k] = strings.ReplaceAll(strings.ReplaceAll(v, "<br />", "\n"), "&amp;", "&")
	}
	return name, params
}

// splitArgs splits on '&' separators, leaving escaped "&amp;" inside values
func splitArgs(query string) []string {
	var args []string
	start := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '&' || strings.HasPrefix(query[i:], "&amp;") {
			continue
		}
		args = append(args, query[start:i])
		start = i + 1
	}
	return append(args, query[start:])
}
