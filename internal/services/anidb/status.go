package anidb

// Status is the class of an AniDB response code
type Status int

const (
	StatusSuccess Status = iota
	StatusInvalidSession
	StatusBanned
	StatusRateLimited
	StatusNotFound
	StatusMalformed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidSession:
		return "invalid_session"
	case StatusBanned:
		return "banned"
	case StatusRateLimited:
		return "rate_limited"
	case StatusNotFound:
		return "not_found"
	case StatusMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// AniDB response codes the client acts on
const (
	CodeLoginAccepted           = 200
	CodeLoginAcceptedNewVer     = 201
	CodeLoggedOut               = 203
	CodeUptime                  = 208
	CodeAnime                   = 230
	CodeEpisode                 = 240
	CodePong                    = 300
	CodeNoSuchFile              = 320
	CodeNoSuchAnime             = 330
	CodeNoSuchEpisode           = 340
	CodeNoSuchGroup             = 350
	CodeNotLoggedIn             = 403
	CodeLoginFailed             = 500
	CodeLoginFirst              = 501
	CodeAccessDenied            = 502
	CodeClientVersionOutdated   = 503
	CodeClientBanned            = 504
	CodeIllegalInput            = 505
	CodeInvalidSession          = 506
	CodeBanned                  = 555
	CodeUnknownCommand          = 598
	CodeInternalServerError     = 600
	CodeOutOfService            = 601
	CodeServerBusy              = 602
	CodeTimeoutDelayAndResubmit = 604
)

// ClassifyCode maps a response code to its Status. Codes AniDB never
// documented fall into StatusMalformed and surface as UnmappableResponse.
func ClassifyCode(code int) Status {
	switch code {
	case CodeNoSuchFile, CodeNoSuchAnime, CodeNoSuchEpisode, CodeNoSuchGroup:
		return StatusNotFound
	case CodeNotLoggedIn, CodeLoginFailed, CodeLoginFirst, CodeAccessDenied,
		CodeClientVersionOutdated, CodeInvalidSession:
		return StatusInvalidSession
	case CodeClientBanned, CodeBanned:
		return StatusBanned
	case CodeOutOfService, CodeServerBusy, CodeTimeoutDelayAndResubmit:
		return StatusRateLimited
	case CodeIllegalInput, CodeUnknownCommand, CodeInternalServerError:
		return StatusMalformed
	}
	if code >= 200 && code < 400 {
		return StatusSuccess
	}
	return StatusMalformed
}
