package publicoplog

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/roach88/golemexec/internal/oplog"
)

// Summary renders the entry's details on one line.
func (e Entry) Summary() string {
	if e.Details == nil {
		return ""
	}
	return strings.ReplaceAll(e.Details.summary(), "\n", `\n`)
}

// WriteText renders entries one per line:
//
//	     3 2024-01-01T00:00:00.000Z ExportedFunctionCompleted    5 fuel=0
func WriteText(w io.Writer, entries []Entry) error {
	for _, e := range entries {
		line := fmt.Sprintf("%6d %s %-28s %s", e.Index, e.Timestamp.UTC().Format(timeLayout), e.Kind, e.Summary())
		if _, err := fmt.Fprintln(w, strings.TrimRight(line, " ")); err != nil {
			return err
		}
	}
	return nil
}

const timeLayout = "2006-01-02T15:04:05.000Z"

// WriteJSON renders entries as a JSON array.
func WriteJSON(w io.Writer, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

// MarshalJSON pins the timestamp to UTC with millisecond precision.
func (e Entry) MarshalJSON() ([]byte, error) {
	type plain Entry
	return json.Marshal(struct {
		plain
		Timestamp string `json:"timestamp"`
	}{plain: plain(e), Timestamp: e.Timestamp.UTC().Truncate(time.Millisecond).Format(timeLayout)})
}

// UnmarshalJSON reads an entry written by MarshalJSON. The kind selects the
// details type.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw struct {
		Index     oplog.Index     `json:"index"`
		Kind      string          `json:"kind"`
		Timestamp string          `json:"timestamp"`
		Details   json.RawMessage `json:"details"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := time.Parse(timeLayout, raw.Timestamp)
	if err != nil {
		return fmt.Errorf("entry %d: timestamp: %w", raw.Index, err)
	}
	kind, ok := oplog.ParseKind(raw.Kind)
	if !ok {
		kind = oplog.KindUnknown
	}
	*e = Entry{Index: raw.Index, Kind: raw.Kind, Timestamp: ts}
	details := newDetails(kind)
	if details == nil || len(raw.Details) == 0 || string(raw.Details) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw.Details, details); err != nil {
		return fmt.Errorf("entry %d (%s): details: %w", raw.Index, raw.Kind, err)
	}
	e.Details = details
	return nil
}

// newDetails returns an empty details value of the type Project produces for
// kind, or nil for kinds without details.
func newDetails(kind oplog.Kind) Details {
	switch kind {
	case oplog.KindCreate:
		return &CreateDetails{}
	case oplog.KindImportedFunctionInvoked:
		return &ImportedFunctionInvokedDetails{}
	case oplog.KindExportedFunctionInvoked:
		return &ExportedFunctionInvokedDetails{}
	case oplog.KindExportedFunctionCompleted:
		return &ExportedFunctionCompletedDetails{}
	case oplog.KindError:
		return &ErrorDetails{}
	case oplog.KindJump, oplog.KindRevert:
		return &RegionDetails{}
	case oplog.KindChangeRetryPolicy:
		return &RetryPolicyDetails{}
	case oplog.KindEndAtomicRegion, oplog.KindEndRemoteWrite,
		oplog.KindPreCommitRemoteTransaction, oplog.KindPreRollbackRemoteTransaction,
		oplog.KindCommittedRemoteTransaction, oplog.KindRolledBackRemoteTransaction:
		return &BeginIndexDetails{}
	case oplog.KindPendingWorkerInvocation:
		return &PendingInvocationDetails{}
	case oplog.KindPendingUpdate:
		return &PendingUpdateDetails{}
	case oplog.KindSuccessfulUpdate:
		return &SuccessfulUpdateDetails{}
	case oplog.KindFailedUpdate:
		return &FailedUpdateDetails{}
	case oplog.KindGrowMemory:
		return &GrowMemoryDetails{}
	case oplog.KindCreateResource, oplog.KindDropResource, oplog.KindDescribeResource:
		return &ResourceDetails{}
	case oplog.KindLog:
		return &LogDetails{}
	case oplog.KindActivatePlugin, oplog.KindDeactivatePlugin:
		return &PluginDetails{}
	case oplog.KindCancelPendingInvocation:
		return &CancelInvocationDetails{}
	case oplog.KindStartSpan:
		return &StartSpanDetails{}
	case oplog.KindFinishSpan, oplog.KindSetSpanAttribute:
		return &SpanDetails{}
	case oplog.KindChangePersistenceLevel:
		return &PersistenceLevelDetails{}
	case oplog.KindBeginRemoteTransaction:
		return &TransactionDetails{}
	case oplog.KindCreateAgentInstance, oplog.KindDropAgentInstance:
		return &AgentDetails{}
	case oplog.KindUnknown:
		return &UnknownDetails{}
	default:
		return nil
	}
}
