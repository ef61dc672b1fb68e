// Package proto holds the Syncer service contract. Messages travel on the
// wire as google.protobuf.Struct so that browser and native clients share
// one encoding; the typed structs below are converted at the service edge.
package proto

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

type SetRecordStatus string

const (
	SetRecordStatus_SUCCESS  SetRecordStatus = "SUCCESS"
	SetRecordStatus_CONFLICT SetRecordStatus = "CONFLICT"
	SetRecordStatus_REJECTED SetRecordStatus = "REJECTED"
)

// Record carries Data as the canonical JSON of the payload. 64-bit integers
// are encoded as strings since Struct numbers are doubles.
type Record struct {
	Id        string `json:"id"`
	Data      []byte `json:"data,omitempty"`
	Version   int64  `json:"version,string"`
	CreatedAt int64  `json:"createdAt,string"`
	UpdatedAt int64  `json:"updatedAt,string"`
	Tombstone bool   `json:"tombstone,omitempty"`
	Revision  int64  `json:"revision,string"`
}

type SetRecordsRequest struct {
	Table       string    `json:"table"`
	Records     []*Record `json:"records"`
	RequestTime int64     `json:"requestTime,string"`
	Signature   string    `json:"signature"`
}

type SetRecordResult struct {
	Id          string          `json:"id"`
	Status      SetRecordStatus `json:"status"`
	NewRevision int64           `json:"newRevision,string"`
	Reason      string          `json:"reason,omitempty"`
	Existing    *Record         `json:"existing,omitempty"`
}

type SetRecordsReply struct {
	Results []*SetRecordResult `json:"results"`
}

type ListChangesRequest struct {
	Table         string `json:"table"`
	SinceRevision int64  `json:"sinceRevision,string"`
	RequestTime   int64  `json:"requestTime,string"`
	Signature     string `json:"signature"`
}

type ListChangesReply struct {
	Changes  []*Record `json:"changes"`
	Revision int64     `json:"revision,string"`
}

type TrackChangesRequest struct {
	RequestTime int64  `json:"requestTime,string"`
	Signature   string `json:"signature"`
}

// Notification announces a stored record to the user's other clients.
type Notification struct {
	Table  string  `json:"table"`
	Record *Record `json:"record"`
}

// ToStruct converts a message into its wire form.
func ToStruct(msg any) (*structpb.Struct, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", msg, err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to convert %T: %w", msg, err)
	}
	return s, nil
}

// FromStruct converts a wire message into msg.
func FromStruct(s *structpb.Struct, msg any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to convert message: %w", err)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("failed to decode %T: %w", msg, err)
	}
	return nil
}
