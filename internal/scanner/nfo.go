package scanner

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// NFOFileName is the Kodi-style show sidecar carrying external ids
const NFOFileName = "tvshow.nfo"

type nfoUniqueID struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

// ReadNFOIDs returns every <uniqueid> in the file keyed by lower-cased type
func ReadNFOIDs(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	ids := make(map[string]string)
	decoder := xml.NewDecoder(file)
	decoder.Strict = false
	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok || !strings.EqualFold(start.Name.Local, "uniqueid") {
			continue
		}
		var id nfoUniqueID
		if err := decoder.DecodeElement(&id, &start); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if value := strings.TrimSpace(id.Value); value != "" {
			ids[strings.ToLower(id.Type)] = value
		}
	}
	return ids, nil
}

// AniDBIDFromNFO reads the anidb uniqueid from the NFO in dir.
// ok is false when the file is missing or holds no usable id.
func AniDBIDFromNFO(dir string) (int, bool, error) {
	path := filepath.Join(dir, NFOFileName)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if info.IsDir() || info.Size() == 0 {
		return 0, false, nil
	}

	ids, err := ReadNFOIDs(path)
	if err != nil {
		return 0, false, err
	}
	raw, ok := ids["anidb"]
	if !ok {
		return 0, false, nil
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, false, fmt.Errorf("invalid anidb id %q in %s", raw, path)
	}
	return id, true, nil
}
