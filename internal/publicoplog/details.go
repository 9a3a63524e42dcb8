package publicoplog

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/roach88/golemexec/internal/ir"
	"github.com/roach88/golemexec/internal/oplog"
)

// CreateDetails describes a Create entry.
type CreateDetails struct {
	WorkerID          string            `json:"worker_id"`
	ComponentVersion  uint64            `json:"component_version"`
	Args              []string          `json:"args,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	Parent            string            `json:"parent,omitempty"`
	ComponentSize     uint64            `json:"component_size"`
	InitialMemorySize uint64            `json:"initial_memory_size"`
	InitialPlugins    []string          `json:"initial_plugins,omitempty"`
}

func (d *CreateDetails) summary() string {
	return fmt.Sprintf("%s v%d (component %s, memory %s)", d.WorkerID, d.ComponentVersion,
		humanize.IBytes(d.ComponentSize), humanize.IBytes(d.InitialMemorySize))
}

func (d *CreateDetails) fields(add func(string, string)) {
	add(FieldWorker, d.WorkerID)
	add(FieldWorker, d.Parent)
	for _, a := range d.Args {
		add(FieldArgs, a)
	}
	for _, k := range sortedKeys(d.Env) {
		add(FieldEnv, k+"="+d.Env[k])
	}
	for _, p := range d.InitialPlugins {
		add(FieldPlugin, p)
	}
}

// ImportedFunctionInvokedDetails describes a recorded host call.
type ImportedFunctionInvokedDetails struct {
	FunctionName string          `json:"function_name"`
	Request      ir.ValueAndType `json:"request"`
	Response     ir.ValueAndType `json:"response"`
	FunctionType string          `json:"function_type"`
}

func (d *ImportedFunctionInvokedDetails) summary() string {
	return fmt.Sprintf("%s [%s] %s -> %s", d.FunctionName, d.FunctionType, d.Request, d.Response)
}

func (d *ImportedFunctionInvokedDetails) fields(add func(string, string)) {
	add(FieldFunction, d.FunctionName)
	add(FieldRequest, d.Request.String())
	add(FieldResponse, d.Response.String())
}

// ExportedFunctionInvokedDetails describes the start of an invocation.
type ExportedFunctionInvokedDetails struct {
	FunctionName   string          `json:"function_name"`
	Request        ir.ValueAndType `json:"request"`
	IdempotencyKey string          `json:"idempotency_key"`
	TraceID        string          `json:"trace_id,omitempty"`
	TraceStates    []string        `json:"trace_states,omitempty"`
	SpanStack      []string        `json:"span_stack,omitempty"`
}

func (d *ExportedFunctionInvokedDetails) summary() string {
	return fmt.Sprintf("%s(%s) key=%s", d.FunctionName, d.Request, d.IdempotencyKey)
}

func (d *ExportedFunctionInvokedDetails) fields(add func(string, string)) {
	add(FieldFunction, d.FunctionName)
	add(FieldRequest, d.Request.String())
	add(FieldKey, d.IdempotencyKey)
	add(FieldSpan, d.TraceID)
	for _, s := range d.SpanStack {
		add(FieldSpan, s)
	}
}

// ExportedFunctionCompletedDetails describes the end of an invocation.
type ExportedFunctionCompletedDetails struct {
	Response     ir.ValueAndType `json:"response"`
	ConsumedFuel int64           `json:"consumed_fuel"`
}

func (d *ExportedFunctionCompletedDetails) summary() string {
	return fmt.Sprintf("%s fuel=%d", d.Response, d.ConsumedFuel)
}

func (d *ExportedFunctionCompletedDetails) fields(add func(string, string)) {
	add(FieldResponse, d.Response.String())
}

// ErrorDetails describes a failed attempt.
type ErrorDetails struct {
	Kind      string      `json:"error_kind"`
	Message   string      `json:"message"`
	RetryFrom oplog.Index `json:"retry_from"`
}

func (d *ErrorDetails) summary() string {
	return fmt.Sprintf("%s: %s (retry from %d)", d.Kind, d.Message, d.RetryFrom)
}

func (d *ErrorDetails) fields(add func(string, string)) {
	add(FieldError, d.Kind)
	add(FieldError, d.Message)
	add(FieldMessage, d.Message)
}

// RegionDetails describes the region of a Jump or Revert.
type RegionDetails struct {
	Start oplog.Index `json:"start"`
	End   oplog.Index `json:"end"`
}

func (d *RegionDetails) summary() string { return fmt.Sprintf("[%d..%d]", d.Start, d.End) }

func (d *RegionDetails) fields(func(string, string)) {}

// RetryPolicyDetails describes a ChangeRetryPolicy entry.
type RetryPolicyDetails struct {
	MaxAttempts     uint32  `json:"max_attempts"`
	MinDelay        string  `json:"min_delay"`
	MaxDelay        string  `json:"max_delay"`
	Multiplier      float64 `json:"multiplier"`
	MaxJitterFactor float64 `json:"max_jitter_factor,omitempty"`
}

func (d *RetryPolicyDetails) summary() string {
	return fmt.Sprintf("attempts=%d delay=%s..%s x%s", d.MaxAttempts, d.MinDelay, d.MaxDelay,
		strconv.FormatFloat(d.Multiplier, 'g', -1, 64))
}

func (d *RetryPolicyDetails) fields(func(string, string)) {}

// BeginIndexDetails describes an entry closing the region or transaction
// opened at BeginIndex.
type BeginIndexDetails struct {
	BeginIndex oplog.Index `json:"begin_index"`
}

func (d *BeginIndexDetails) summary() string { return fmt.Sprintf("begin=%d", d.BeginIndex) }

func (d *BeginIndexDetails) fields(func(string, string)) {}

// PendingInvocationDetails describes a queued invocation.
type PendingInvocationDetails struct {
	IdempotencyKey string          `json:"idempotency_key"`
	FunctionName   string          `json:"function_name"`
	Params         ir.ValueAndType `json:"params"`
}

func (d *PendingInvocationDetails) summary() string {
	return fmt.Sprintf("%s(%s) key=%s", d.FunctionName, d.Params, d.IdempotencyKey)
}

func (d *PendingInvocationDetails) fields(add func(string, string)) {
	add(FieldFunction, d.FunctionName)
	add(FieldRequest, d.Params.String())
	add(FieldKey, d.IdempotencyKey)
}

// PendingUpdateDetails describes a queued update.
type PendingUpdateDetails struct {
	TargetVersion uint64 `json:"target_version"`
	Mode          string `json:"mode"`
}

func (d *PendingUpdateDetails) summary() string {
	return fmt.Sprintf("to v%d (%s)", d.TargetVersion, d.Mode)
}

func (d *PendingUpdateDetails) fields(func(string, string)) {}

// SuccessfulUpdateDetails describes a completed update.
type SuccessfulUpdateDetails struct {
	TargetVersion    uint64   `json:"target_version"`
	NewComponentSize uint64   `json:"new_component_size"`
	NewActivePlugins []string `json:"new_active_plugins,omitempty"`
}

func (d *SuccessfulUpdateDetails) summary() string {
	return fmt.Sprintf("now v%d (component %s)", d.TargetVersion, humanize.IBytes(d.NewComponentSize))
}

func (d *SuccessfulUpdateDetails) fields(add func(string, string)) {
	for _, p := range d.NewActivePlugins {
		add(FieldPlugin, p)
	}
}

// FailedUpdateDetails describes an update that was rolled back.
type FailedUpdateDetails struct {
	TargetVersion uint64 `json:"target_version"`
	Details       string `json:"details,omitempty"`
}

func (d *FailedUpdateDetails) summary() string {
	if d.Details == "" {
		return fmt.Sprintf("to v%d", d.TargetVersion)
	}
	return fmt.Sprintf("to v%d: %s", d.TargetVersion, d.Details)
}

func (d *FailedUpdateDetails) fields(add func(string, string)) {
	add(FieldError, d.Details)
	add(FieldMessage, d.Details)
}

// GrowMemoryDetails describes memory growth.
type GrowMemoryDetails struct {
	Delta uint64 `json:"delta"`
}

func (d *GrowMemoryDetails) summary() string { return "+" + humanize.IBytes(d.Delta) }

func (d *GrowMemoryDetails) fields(func(string, string)) {}

// ResourceDetails describes resource creation, description or drop.
type ResourceDetails struct {
	ID           uint64           `json:"id"`
	ResourceType string           `json:"resource_type"`
	Params       *ir.ValueAndType `json:"params,omitempty"`
}

func (d *ResourceDetails) summary() string {
	if d.Params != nil {
		return fmt.Sprintf("%s#%d %s", d.ResourceType, d.ID, d.Params)
	}
	return fmt.Sprintf("%s#%d", d.ResourceType, d.ID)
}

func (d *ResourceDetails) fields(add func(string, string)) {
	add(FieldResource, d.ResourceType)
	add(FieldResource, strconv.FormatUint(d.ID, 10))
}

// LogDetails describes a component log line.
type LogDetails struct {
	Level   string `json:"level"`
	Context string `json:"context"`
	Message string `json:"message"`
}

func (d *LogDetails) summary() string {
	if d.Context == "" {
		return fmt.Sprintf("[%s] %s", d.Level, d.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", d.Level, d.Context, d.Message)
}

func (d *LogDetails) fields(add func(string, string)) {
	add(FieldLevel, d.Level)
	add(FieldContext, d.Context)
	add(FieldMessage, d.Message)
}

// PluginDetails describes a plugin activation or deactivation.
type PluginDetails struct {
	Plugin string `json:"plugin"`
}

func (d *PluginDetails) summary() string { return d.Plugin }

func (d *PluginDetails) fields(add func(string, string)) { add(FieldPlugin, d.Plugin) }

// CancelInvocationDetails describes a cancelled queued invocation.
type CancelInvocationDetails struct {
	IdempotencyKey string `json:"idempotency_key"`
}

func (d *CancelInvocationDetails) summary() string { return "key=" + d.IdempotencyKey }

func (d *CancelInvocationDetails) fields(add func(string, string)) { add(FieldKey, d.IdempotencyKey) }

// StartSpanDetails describes an opened span.
type StartSpanDetails struct {
	SpanID        string            `json:"span_id"`
	Parent        string            `json:"parent,omitempty"`
	LinkedContext string            `json:"linked_context,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

func (d *StartSpanDetails) summary() string {
	var b strings.Builder
	b.WriteString(d.SpanID)
	if d.Parent != "" {
		b.WriteString(" parent=" + d.Parent)
	}
	for _, k := range sortedKeys(d.Attributes) {
		b.WriteString(" " + k + "=" + d.Attributes[k])
	}
	return b.String()
}

func (d *StartSpanDetails) fields(add func(string, string)) {
	add(FieldSpan, d.SpanID)
	add(FieldSpan, d.Parent)
	for _, k := range sortedKeys(d.Attributes) {
		add(FieldAttribute, k+"="+d.Attributes[k])
	}
}

// SpanDetails describes a finished span or a span attribute change.
type SpanDetails struct {
	SpanID string `json:"span_id"`
	Key    string `json:"key,omitempty"`
	Value  string `json:"value,omitempty"`
}

func (d *SpanDetails) summary() string {
	if d.Key == "" {
		return d.SpanID
	}
	return fmt.Sprintf("%s %s=%s", d.SpanID, d.Key, d.Value)
}

func (d *SpanDetails) fields(add func(string, string)) {
	add(FieldSpan, d.SpanID)
	if d.Key != "" {
		add(FieldAttribute, d.Key+"="+d.Value)
	}
}

// PersistenceLevelDetails describes a persistence level switch.
type PersistenceLevelDetails struct {
	Level string `json:"level"`
}

func (d *PersistenceLevelDetails) summary() string { return d.Level }

func (d *PersistenceLevelDetails) fields(add func(string, string)) { add(FieldLevel, d.Level) }

// TransactionDetails describes the start of a remote transaction.
type TransactionDetails struct {
	TransactionID      string      `json:"transaction_id"`
	OriginalBeginIndex oplog.Index `json:"original_begin_index,omitempty"`
}

func (d *TransactionDetails) summary() string {
	if d.OriginalBeginIndex != oplog.None {
		return fmt.Sprintf("%s (retry of %d)", d.TransactionID, d.OriginalBeginIndex)
	}
	return d.TransactionID
}

func (d *TransactionDetails) fields(add func(string, string)) {
	add(FieldTransaction, d.TransactionID)
}

// AgentDetails describes agent creation or drop.
type AgentDetails struct {
	AgentType  string           `json:"agent_type"`
	AgentID    string           `json:"agent_id"`
	Parameters *ir.ValueAndType `json:"parameters,omitempty"`
}

func (d *AgentDetails) summary() string {
	s := d.AgentType + "(" + d.AgentID + ")"
	if d.Parameters != nil {
		s += " " + d.Parameters.String()
	}
	return s
}

func (d *AgentDetails) fields(add func(string, string)) {
	add(FieldAgent, d.AgentType)
	add(FieldAgent, d.AgentID)
}

// UnknownDetails describes an entry this binary cannot decode.
type UnknownDetails struct {
	Tag     uint8 `json:"tag"`
	Version uint8 `json:"version"`
	Size    int   `json:"size"`
}

func (d *UnknownDetails) summary() string {
	return fmt.Sprintf("tag=%d version=%d (%s)", d.Tag, d.Version, humanize.IBytes(uint64(d.Size)))
}

func (d *UnknownDetails) fields(func(string, string)) {}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
