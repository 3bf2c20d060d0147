package anidb

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/amaumene/anidbarr/internal/models"
)

// AnimeMask selects aid|year|type|romaji|kanji|english|episodes|highest ep|
// special count|air date|end date|tag names|tag ids|tag weights
const AnimeMask = "B0E0F8000E0000"

const (
	animeFieldCount   = 14
	episodeFieldCount = 10
)

// Offsets for episode types that share season 0
var specialOffsets = map[byte]int{
	'S': 0,
	'C': 100,
	'T': 200,
	'P': 300,
	'O': 400,
}

// AnimeByIDCommand builds an ANIME lookup by AniDB id
func AnimeByIDCommand(animeID int) Command {
	return Command{Name: "ANIME", Params: Params{"aid": strconv.Itoa(animeID), "amask": AnimeMask}}
}

// AnimeByNameCommand builds an ANIME lookup by exact title
func AnimeByNameCommand(title string) Command {
	return Command{Name: "ANIME", Params: Params{"aname": title, "amask": AnimeMask}}
}

// EpisodeCommand builds an EPISODE lookup by anime id and episode number
func EpisodeCommand(animeID int, number models.EpisodeNumber) Command {
	return Command{Name: "EPISODE", Params: Params{"aid": strconv.Itoa(animeID), "epno": formatEpno(number)}}
}

// UptimeCommand builds the keepalive command
func UptimeCommand() Command {
	return Command{Name: "UPTIME"}
}

// DecodeAnime maps a 230 reply onto an AnimeRecord. An episode count of 0
// means AniDB does not know the total yet and is kept as nil.
func DecodeAnime(resp *Response) (models.AnimeRecord, error) {
	if err := expectCode(resp, "ANIME", CodeAnime); err != nil {
		return models.AnimeRecord{}, err
	}

	f := resp.Fields(0)
	if len(f) < animeFieldCount {
		return models.AnimeRecord{}, fieldError("ANIME", resp, len(f), animeFieldCount)
	}

	aid, err := strconv.Atoi(f[0])
	if err != nil || aid <= 0 {
		return models.AnimeRecord{}, newError(KindUnmappableResponse, "ANIME", resp.Code, fmt.Sprintf("invalid anime id %q", f[0]), err)
	}

	anime := models.AnimeRecord{
		AnimeID:      aid,
		Year:         f[1],
		Type:         f[2],
		PrimaryTitle: f[3],
		KanjiTitle:   f[4],
		EnglishTitle: f[5],
	}
	if anime.PrimaryTitle == "" {
		anime.PrimaryTitle = anime.EnglishTitle
	}

	if n, err := optionalInt(f[6]); err != nil {
		return models.AnimeRecord{}, newError(KindUnmappableResponse, "ANIME", resp.Code, "invalid episode count", err)
	} else if n > 0 {
		anime.EpisodeCountTotal = &n
	}
	if anime.HighestEpisode, err = optionalInt(f[7]); err != nil {
		return models.AnimeRecord{}, newError(KindUnmappableResponse, "ANIME", resp.Code, "invalid highest episode", err)
	}
	if anime.SpecialCount, err = optionalInt(f[8]); err != nil {
		return models.AnimeRecord{}, newError(KindUnmappableResponse, "ANIME", resp.Code, "invalid special count", err)
	}
	if anime.AirDate, err = optionalDate(f[9]); err != nil {
		return models.AnimeRecord{}, newError(KindUnmappableResponse, "ANIME", resp.Code, "invalid air date", err)
	}
	if anime.EndDate, err = optionalDate(f[10]); err != nil {
		return models.AnimeRecord{}, newError(KindUnmappableResponse, "ANIME", resp.Code, "invalid end date", err)
	}
	if anime.Tags, err = DecodeTags(f[11], f[12], f[13]); err != nil {
		return models.AnimeRecord{}, err
	}

	return anime, nil
}

// DecodeEpisode maps a 240 reply onto an EpisodeRecord
func DecodeEpisode(resp *Response) (models.EpisodeRecord, error) {
	if err := expectCode(resp, "EPISODE", CodeEpisode); err != nil {
		return models.EpisodeRecord{}, err
	}

	f := resp.Fields(0)
	if len(f) < episodeFieldCount {
		return models.EpisodeRecord{}, fieldError("EPISODE", resp, len(f), episodeFieldCount)
	}

	eid, err := strconv.Atoi(f[0])
	if err != nil {
		return models.EpisodeRecord{}, newError(KindUnmappableResponse, "EPISODE", resp.Code, fmt.Sprintf("invalid episode id %q", f[0]), err)
	}
	aid, err := strconv.Atoi(f[1])
	if err != nil {
		return models.EpisodeRecord{}, newError(KindUnmappableResponse, "EPISODE", resp.Code, fmt.Sprintf("invalid anime id %q", f[1]), err)
	}
	number, err := ParseEpisodeNumber(f[5])
	if err != nil {
		return models.EpisodeRecord{}, newError(KindUnmappableResponse, "EPISODE", resp.Code, "invalid episode number", err)
	}
	aired, err := optionalDate(f[9])
	if err != nil {
		return models.EpisodeRecord{}, newError(KindUnmappableResponse, "EPISODE", resp.Code, "invalid air date", err)
	}

	title := f[6]
	if title == "" {
		title = f[7]
	}

	return models.EpisodeRecord{
		EpisodeID:   eid,
		AnimeID:     aid,
		Number:      number,
		Title:       title,
		AirDate:     aired,
		LocalStatus: models.LocalMissing,
	}, nil
}

// DecodeTags zips the comma separated tag name, id and weight lists
func DecodeTags(names, ids, weights string) ([]models.TagRef, error) {
	if ids == "" {
		return nil, nil
	}

	nameList := strings.Split(names, ",")
	idList := strings.Split(ids, ",")
	weightList := strings.Split(weights, ",")
	if len(nameList) != len(idList) || (weights != "" && len(weightList) != len(idList)) {
		return nil, newError(KindUnmappableResponse, "ANIME", CodeAnime,
			fmt.Sprintf("tag lists differ in length: %d names, %d ids", len(nameList), len(idList)), nil)
	}

	tags := make([]models.TagRef, 0, len(idList))
	for i, rawID := range idList {
		id, err := strconv.Atoi(rawID)
		if err != nil {
			return nil, newError(KindUnmappableResponse, "ANIME", CodeAnime, fmt.Sprintf("invalid tag id %q", rawID), err)
		}
		tag := models.TagRef{ID: id, Name: nameList[i]}
		if weights != "" {
			if tag.Weight, err = strconv.Atoi(weightList[i]); err != nil {
				return nil, newError(KindUnmappableResponse, "ANIME", CodeAnime, fmt.Sprintf("invalid tag weight %q", weightList[i]), err)
			}
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// ParseEpisodeNumber maps AniDB epno strings ("5", "S2", "C1") onto (season, index)
func ParseEpisodeNumber(epno string) (models.EpisodeNumber, error) {
	epno = strings.TrimSpace(epno)
	if epno == "" {
		return models.EpisodeNumber{}, fmt.Errorf("empty episode number")
	}

	if unicode.IsDigit(rune(epno[0])) {
		n, err := strconv.Atoi(epno)
		if err != nil || n <= 0 {
			return models.EpisodeNumber{}, fmt.Errorf("invalid episode number %q", epno)
		}
		return models.EpisodeNumber{Season: 1, Index: n}, nil
	}

	offset, ok := specialOffsets[byte(unicode.ToUpper(rune(epno[0])))]
	if !ok {
		return models.EpisodeNumber{}, fmt.Errorf("unknown episode type in %q", epno)
	}
	n, err := strconv.Atoi(epno[1:])
	if err != nil || n <= 0 {
		return models.EpisodeNumber{}, fmt.Errorf("invalid episode number %q", epno)
	}
	return models.EpisodeNumber{Season: 0, Index: offset + n}, nil
}

// formatEpno is the inverse of ParseEpisodeNumber
func formatEpno(n models.EpisodeNumber) string {
	if n.Regular() {
		return strconv.Itoa(n.Index)
	}
	prefix, index := "S", n.Index
	for _, p := range []byte{'O', 'P', 'T', 'C'} {
		if off := specialOffsets[p]; n.Index > off {
			prefix, index = string(p), n.Index-off
			break
		}
	}
	return prefix + strconv.Itoa(index)
}

func expectCode(resp *Response, op string, code int) error {
	if resp == nil {
		return newError(KindUnmappableResponse, op, 0, "no response", nil)
	}
	if resp.Code == code {
		return nil
	}
	switch ClassifyCode(resp.Code) {
	case StatusNotFound:
		return newError(KindNotFound, op, resp.Code, resp.Text, nil)
	case StatusSuccess, StatusInvalidSession, StatusBanned, StatusRateLimited, StatusMalformed:
	}
	return newError(KindUnmappableResponse, op, resp.Code, fmt.Sprintf("unexpected reply %q", resp.Text), nil)
}

func fieldError(op string, resp *Response, got, want int) error {
	return newError(KindUnmappableResponse, op, resp.Code, fmt.Sprintf("expected %d fields, got %d", want, got), nil)
}

func optionalInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// optionalDate parses a unix timestamp where 0 means unknown
func optionalDate(s string) (*time.Time, error) {
	if s == "" || s == "0" {
		return nil, nil
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	t := time.Unix(secs, 0).UTC()
	return &t, nil
}
