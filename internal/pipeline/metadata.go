package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// TokenSizeNotComputed is written instead of a count when counting is disabled or failed.
const TokenSizeNotComputed = "N/A"

// TokenSize is either a token count or "not computed". It marshals as a JSON
// number or the string "N/A".
type TokenSize struct {
	Count    int
	Computed bool
}

func (t TokenSize) MarshalJSON() ([]byte, error) {
	if !t.Computed {
		return json.Marshal(TokenSizeNotComputed)
	}
	return []byte(strconv.Itoa(t.Count)), nil
}

func (t *TokenSize) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = TokenSize{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s != TokenSizeNotComputed {
			return fmt.Errorf("invalid token_size %q", s)
		}
		*t = TokenSize{}
		return nil
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("invalid token_size %s: %w", data, err)
	}
	*t = TokenSize{Count: n, Computed: true}
	return nil
}

func (t TokenSize) String() string {
	if !t.Computed {
		return TokenSizeNotComputed
	}
	return strconv.Itoa(t.Count)
}

// Metadata is the sidecar record written next to every artifact set. Absent
// identifiers serialize as null.
type Metadata struct {
	FileName       string    `json:"file_name"`
	InputFileID    *string   `json:"input_file_id"`
	BatchJobID     *string   `json:"batch_job_id"`
	ErrorFileID    *string   `json:"error_file_id"`
	OutputFileID   *string   `json:"output_file_id"`
	TokenSize      TokenSize `json:"token_size"`
	FileID         *string   `json:"file_id"`
	OutputFileName string    `json:"output_file_name,omitempty"`
	ErrorFileName  string    `json:"error_file_name,omitempty"`
}

// BuildMetadata derives the sidecar record from a run. It has no side effects.
func BuildMetadata(run *PipelineRun) Metadata {
	m := Metadata{
		FileName:     run.Item.Path,
		InputFileID:  optional(run.InputFileID),
		BatchJobID:   optional(run.JobID),
		ErrorFileID:  optional(run.ErrorFileID),
		OutputFileID: optional(run.OutputFileID),
		FileID:       optional(run.FileID),
	}
	if m.InputFileID == nil {
		m.InputFileID = optional(run.FileID)
	}
	if run.TokenCount != nil {
		m.TokenSize = TokenSize{Count: *run.TokenCount, Computed: true}
	}
	return m
}

func (m Metadata) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// errorList serializes messages as {"Error 1": ..., "Error 2": ...} keeping
// their order.
type errorList []string

func (l errorList) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, msg := range l {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(fmt.Sprintf("Error %d", i+1))
		val, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
