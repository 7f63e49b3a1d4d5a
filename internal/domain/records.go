package domain

import "time"

// TransferState is the lifecycle of an inbound file transfer.
type TransferState string

const (
	TransferPending  TransferState = "pending"
	TransferComplete TransferState = "complete"
	TransferFailed   TransferState = "failed"
)

// TransferRecord is the persisted view of an inbound file transfer.
type TransferRecord struct {
	UUID      string        `json:"uuid"`
	Peer      string        `json:"peer"`
	Filename  string        `json:"filename"`
	Filesize  int64         `json:"filesize"`
	Received  int64         `json:"received"`
	Chunks    int           `json:"chunks"`
	State     TransferState `json:"state"`
	Dest      string        `json:"dest,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// CommandRecord is one executed inbound COMMAND.
type CommandRecord struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Peer       string    `json:"peer"`
	Command    string    `json:"command"`
	Status     string    `json:"status"`
	Output     string    `json:"output"`
	DurationMs int64     `json:"duration_ms"`
}
