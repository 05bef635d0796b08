// Package v1 is the wire contract of the remote scene editing service.
//
//	POST   /sessions                      body: raw base scene; header X-Scene-Name
//	POST   /sessions/{id}/substitutions   body: SubstitutionRequest
//	GET    /sessions/{id}/archive         the edited scene, raw bytes
//	DELETE /sessions/{id}
package v1

// SceneNameHeader carries the base file name on session creation.
const SceneNameHeader = "X-Scene-Name"

// Session is returned by POST /sessions.
type Session struct {
	SessionID string `json:"session_id"`
	Extension string `json:"extension,omitempty"`
}

// SubstitutionRequest sets the text of named elements.
type SubstitutionRequest struct {
	Substitutions map[string]string `json:"substitutions"`
}

// SubstitutionResponse reports which keys matched a named element.
type SubstitutionResponse struct {
	Applied []string `json:"applied"`
	Missing []string `json:"missing"`
}

// ErrorBody is the error envelope of the service.
type ErrorBody struct {
	Error string `json:"error"`
}
