package engine

import "encoding/json"

const (
	StatusFailure = 0
	StatusSuccess = 1
)

// Envelope is the common part of every reply. Status is 1 on success and 0
// on failure, in which case Error is non-empty.
type Envelope struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
}

func (e Envelope) OK() bool {
	return e.Status == StatusSuccess
}

func success() Envelope {
	return Envelope{Status: StatusSuccess}
}

func failure(err error) Envelope {
	return Envelope{Status: StatusFailure, Error: err.Error()}
}

type GetResponse struct {
	Envelope
	Val *string `json:"val"`
}

type MGetResponse struct {
	Envelope
	Vals []*string `json:"vals"`
}

type LGetResponse struct {
	Envelope
	Val []any `json:"val"`
}

// FailureResponse encodes a bare failure envelope. Transports use it when a
// handler cannot produce a reply of its own.
func FailureResponse(err error) []byte {
	raw, _ := json.Marshal(failure(err))
	return raw
}
