package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	Value  any    `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value any) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// EntryView is the JSON form of an entry.
type EntryView struct {
	Hash     string   `json:"hash"`
	Gid      string   `json:"gid"`
	Next     []string `json:"next"`
	WallTime uint64   `json:"wall_time"`
	Logical  uint32   `json:"logical"`
	Payload  []byte   `json:"payload"`
	MetaType uint8    `json:"meta_type,omitempty"`
	Size     string   `json:"size"`
}

// LogView summarizes one open log.
type LogView struct {
	Name        string   `json:"name"`
	Peer        string   `json:"peer"`
	Role        string   `json:"role"`
	Factor      float64  `json:"factor"`
	Entries     int      `json:"entries"`
	Pending     int      `json:"pending"`
	Memory      string   `json:"memory"`
	Heads       []string `json:"heads"`
	Replicators []string `json:"replicators"`
}

// RoleRequest is the body of PUT /api/logs/{log}/role.
type RoleRequest struct {
	Role        string   `json:"role"`
	// Factor is 1 when absent, an explicit 0 parks the replicator.
	Factor      *float64 `json:"factor,omitempty"`
	Fixed       bool     `json:"fixed,omitempty"`
	MemoryLimit string   `json:"memory_limit,omitempty"`
}
