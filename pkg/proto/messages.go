// Package proto defines the object model and session frames shared by the relay
// and its transport adapters.
package proto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Unknown is substituted for any identifier an inbound object does not carry.
const Unknown = "UNKNOWN"

// Metadata identifies an object and its owning entities.
type Metadata struct {
	PatientID      string `json:"patient_id"`
	StudyUID       string `json:"study_uid"`
	SeriesUID      string `json:"series_uid"`
	InstanceUID    string `json:"instance_uid"`
	Modality       string `json:"modality"`
	SOPClassUID    string `json:"sop_class_uid"`
	TransferSyntax string `json:"transfer_syntax,omitempty"`
}

// Normalize returns a copy with every empty identifier replaced by Unknown.
// TransferSyntax is optional and left as is.
func (m Metadata) Normalize() Metadata {
	fill := func(s string) string {
		s = strings.TrimSpace(s)
		if s == "" {
			return Unknown
		}
		return s
	}
	m.PatientID = fill(m.PatientID)
	m.StudyUID = fill(m.StudyUID)
	m.SeriesUID = fill(m.SeriesUID)
	m.InstanceUID = fill(m.InstanceUID)
	m.Modality = fill(m.Modality)
	m.SOPClassUID = fill(m.SOPClassUID)
	return m
}

// Object is one received object: decoded metadata plus the raw payload.
type Object struct {
	Metadata Metadata
	Payload  []byte
}

// Status is the result code returned for an object. Values follow the
// storage-service status ranges the upstream archives expect.
type Status uint16

const (
	StatusSuccess           Status = 0x0000
	StatusProcessingFailure Status = 0x0110
	StatusOutOfResources    Status = 0xA700
	StatusCannotUnderstand  Status = 0xC000
)

// OK reports whether s is the success code.
func (s Status) OK() bool {
	return s == StatusSuccess
}

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusProcessingFailure:
		return "processing failure"
	case StatusOutOfResources:
		return "out of resources"
	case StatusCannotUnderstand:
		return "cannot understand"
	default:
		return fmt.Sprintf("status 0x%04X", uint16(s))
	}
}

// Frame types carried in the first byte of every session message.
const (
	FrameObject    byte = 0x01 // sender -> receiver: one object
	FrameResult    byte = 0x02 // receiver -> sender: status for the last object
	FrameEcho      byte = 0x03 // verification request
	FrameEchoReply byte = 0x04 // verification response
	FrameRelease   byte = 0x05 // orderly end of session
)

// Payload encodings.
const (
	EncodingRaw  = ""
	EncodingZstd = "zstd"
)

// ObjectHeader is the JSON header of a FrameObject.
type ObjectHeader struct {
	Metadata Metadata `json:"metadata"`
	Encoding string   `json:"encoding,omitempty"`
	Size     int      `json:"size"` // decoded payload size
}

// ResultHeader is the JSON header of a FrameResult.
type ResultHeader struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// frameHeaderLen is the type byte plus the big-endian header length.
const frameHeaderLen = 5

// ErrShortFrame is returned when a frame is truncated.
var ErrShortFrame = errors.New("frame too short")

// EncodeFrame builds [type][headerLen:4][header JSON][payload].
// A nil header is encoded as an empty header.
func EncodeFrame(frameType byte, header any, payload []byte) ([]byte, error) {
	var hdr []byte
	if header != nil {
		var err error
		hdr, err = json.Marshal(header)
		if err != nil {
			return nil, fmt.Errorf("marshal frame header: %w", err)
		}
	}
	buf := make([]byte, frameHeaderLen+len(hdr)+len(payload))
	buf[0] = frameType
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(hdr)))
	copy(buf[frameHeaderLen:], hdr)
	copy(buf[frameHeaderLen+len(hdr):], payload)
	return buf, nil
}

// DecodeFrame splits a frame into its type, raw header and payload.
// The returned slices alias data.
func DecodeFrame(data []byte) (frameType byte, header, payload []byte, err error) {
	if len(data) < frameHeaderLen {
		return 0, nil, nil, ErrShortFrame
	}
	n := binary.BigEndian.Uint32(data[1:5])
	if uint64(n) > uint64(len(data)-frameHeaderLen) {
		return 0, nil, nil, fmt.Errorf("%w: header length %d exceeds frame", ErrShortFrame, n)
	}
	end := frameHeaderLen + int(n)
	return data[0], data[frameHeaderLen:end], data[end:], nil
}
