package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Job types dispatched by the worker.
const (
	JobTypeRender   = "render.generate"
	JobTypePublish  = "publish.execute"
	JobTypeOptimize = "optimize.regenerate"
)

// ErrInvalidJob marks a job or stored record that cannot be interpreted.
var ErrInvalidJob = errors.New("INVALID_JOB")

// reserved keys of the wire shape; everything else is type-specific payload.
const (
	keyJobID    = "jobId"
	keyJobType  = "jobType"
	keyAttempt  = "attempt"
	keyQueuedAt = "queuedAt"
	keyFailedAt = "failedAt"
	keyError    = "error"
	keyRaw      = "raw"
)

// Job is one unit of asynchronous work. On the wire the payload fields sit next
// to the envelope fields: {jobId, jobType, attempt, queuedAt, publishId, ...}.
type Job struct {
	ID       string
	Type     string
	Attempt  int
	QueuedAt time.Time
	Payload  map[string]any
}

// Field returns a payload field as a string, or "" when absent.
func (j Job) Field(key string) string {
	switch v := j.Payload[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// PublishID returns the publishId payload field.
func (j Job) PublishID() string { return j.Field("publishId") }

// TenantID returns the tenantId payload field.
func (j Job) TenantID() string { return j.Field("tenantId") }

// MarshalJSON flattens the payload into the envelope.
func (j Job) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.flatten())
}

func (j Job) flatten() map[string]any {
	out := make(map[string]any, len(j.Payload)+4)
	for k, v := range j.Payload {
		out[k] = v
	}
	out[keyJobID] = j.ID
	out[keyJobType] = j.Type
	out[keyAttempt] = j.Attempt
	out[keyQueuedAt] = j.QueuedAt.UTC().Format(time.RFC3339Nano)
	return out
}

// UnmarshalJSON splits envelope fields from payload fields.
func (j *Job) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	return j.fromMap(raw)
}

func (j *Job) fromMap(raw map[string]any) error {
	*j = Job{Payload: map[string]any{}}
	for k, v := range raw {
		switch k {
		case keyJobID:
			s, ok := v.(string)
			if !ok && v != nil {
				return fmt.Errorf("%w: jobId must be a string", ErrInvalidJob)
			}
			j.ID = s
		case keyJobType:
			s, ok := v.(string)
			if !ok && v != nil {
				return fmt.Errorf("%w: jobType must be a string", ErrInvalidJob)
			}
			j.Type = s
		case keyAttempt:
			if v == nil {
				continue
			}
			n, ok := v.(float64)
			if !ok || n < 0 {
				return fmt.Errorf("%w: attempt must be a non-negative number", ErrInvalidJob)
			}
			j.Attempt = int(n)
		case keyQueuedAt:
			s, _ := v.(string)
			if s == "" {
				continue
			}
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return fmt.Errorf("%w: queuedAt: %v", ErrInvalidJob, err)
			}
			j.QueuedAt = ts.UTC()
		default:
			j.Payload[k] = v
		}
	}
	return nil
}

// Validate checks the fields every stored job must carry.
func (j Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: jobId is required", ErrInvalidJob)
	}
	if strings.TrimSpace(j.Type) == "" {
		return fmt.Errorf("%w: jobType is required", ErrInvalidJob)
	}
	if j.Attempt < 0 {
		return fmt.Errorf("%w: attempt must be >= 0", ErrInvalidJob)
	}
	return nil
}

// InvalidRecordError is returned by a backend that popped a queued record it
// could not decode. Raw keeps the record so it can still be dead-lettered.
type InvalidRecordError struct {
	Raw string
	Err error
}

func (e *InvalidRecordError) Error() string {
	msg := strings.TrimPrefix(e.Err.Error(), ErrInvalidJob.Error()+": ")
	return fmt.Sprintf("%s: decode queued job: %s", ErrInvalidJob, msg)
}

func (e *InvalidRecordError) Unwrap() error { return e.Err }

// Is reports ErrInvalidJob for every undecodable record.
func (e *InvalidRecordError) Is(target error) bool { return target == ErrInvalidJob }

// Salvage recovers what it can of the envelope of an undecodable record so
// its DLQ entry stays searchable. Fields of the wrong type are left empty.
func (e *InvalidRecordError) Salvage() Job {
	job := Job{Payload: map[string]any{}}
	var raw map[string]any
	if json.Unmarshal([]byte(e.Raw), &raw) != nil {
		return job
	}
	job.ID, _ = raw[keyJobID].(string)
	job.Type, _ = raw[keyJobType].(string)
	if n, ok := raw[keyAttempt].(float64); ok && n >= 0 {
		job.Attempt = int(n)
	}
	for _, k := range []string{"publishId", "tenantId"} {
		if v, ok := raw[k].(string); ok {
			job.Payload[k] = v
		}
	}
	return job
}

// DLQEntry is a job that exhausted its attempts. Raw is set instead of a
// full Job when the queued record itself could not be decoded.
type DLQEntry struct {
	Job
	FailedAt time.Time
	Error    string
	Raw      string
}

// MarshalJSON writes the job fields plus failedAt, error and, when set, raw.
func (e DLQEntry) MarshalJSON() ([]byte, error) {
	out := e.Job.flatten()
	out[keyFailedAt] = e.FailedAt.UTC().Format(time.RFC3339Nano)
	out[keyError] = e.Error
	if e.Raw != "" {
		out[keyRaw] = e.Raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads a DLQ record written by MarshalJSON.
func (e *DLQEntry) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	failedAt, _ := raw[keyFailedAt].(string)
	msg, _ := raw[keyError].(string)
	rawRecord, _ := raw[keyRaw].(string)
	delete(raw, keyFailedAt)
	delete(raw, keyError)
	delete(raw, keyRaw)

	*e = DLQEntry{Error: msg, Raw: rawRecord}
	if err := e.Job.fromMap(raw); err != nil {
		return err
	}
	if failedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, failedAt)
		if err != nil {
			return fmt.Errorf("%w: failedAt: %v", ErrInvalidJob, err)
		}
		e.FailedAt = ts.UTC()
	}
	return nil
}
