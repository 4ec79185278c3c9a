package domain

import "encoding/json"

// Job is the gateway-produced job record stored at job:<jobId>. The gateway
// owns the schema; fields this service does not understand are kept in Extra
// and written back verbatim so a rewrite never loses upstream data.
type Job struct {
	Mode        string    `json:"mode"`
	Message     string    `json:"message,omitempty"`
	MediaRef    string    `json:"mediaRef,omitempty"`
	MediaPath   string    `json:"mediaPath,omitempty"`
	Contacts    []Contact `json:"contacts"`
	Status      JobStatus `json:"status"`
	RoutedAt    int64     `json:"routedAt,omitempty"`
	DoneAt      int64     `json:"doneAt,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	RoutedCount int       `json:"routedCount,omitempty"`
	SentCount   int       `json:"sentCount,omitempty"`
	FailedCount int       `json:"failedCount,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// knownJobFields are the keys handled by the typed struct; everything else
// round-trips through Extra.
var knownJobFields = map[string]struct{}{
	"mode": {}, "message": {}, "mediaRef": {}, "mediaPath": {}, "contacts": {},
	"status": {}, "routedAt": {}, "doneAt": {}, "lastError": {},
	"routedCount": {}, "sentCount": {}, "failedCount": {},
}

// UnmarshalJSON decodes the typed fields and stashes unknown keys in Extra.
func (j *Job) UnmarshalJSON(data []byte) error {
	type alias Job
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if _, ok := knownJobFields[k]; ok {
			delete(raw, k)
		}
	}
	*j = Job(a)
	if len(raw) > 0 {
		j.Extra = raw
	}
	return nil
}

// MarshalJSON emits the typed fields merged with any preserved unknown keys.
func (j Job) MarshalJSON() ([]byte, error) {
	type alias Job
	data, err := json.Marshal(alias(j))
	if err != nil {
		return nil, err
	}
	if len(j.Extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range j.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Terminal reports whether the job is in a terminal status.
func (j Job) Terminal() bool {
	return j.Status == JobDone || j.Status == JobDoneWithErrors || j.Status == JobFailed
}
