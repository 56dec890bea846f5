package hooks

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelope is the NDJSON wire form of an event. One envelope per line:
//
//	{"type":"task_start","seq":12,"timestamp":1714070400.25,"session_id":"s1","data":{...}}
//
// Timestamp is wall-clock seconds as a float. Data carries the concrete
// event's payload fields.
type envelope struct {
	Type      EventType       `json:"type"`
	Seq       uint64          `json:"seq"`
	Timestamp float64         `json:"timestamp"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data"`
}

// EncodeNDJSON serializes an event into its single-line NDJSON wire form
// (without a trailing newline; sinks append one per line). The concrete
// event's exported fields become the "data" object.
func EncodeNDJSON(event Event) ([]byte, error) {
	if event == nil {
		return nil, fmt.Errorf("encode event: event is nil")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event.Type(), err)
	}
	env := envelope{
		Type:      event.Type(),
		Seq:       event.Seq(),
		Timestamp: float64(event.Timestamp().UnixNano()) / 1e9,
		SessionID: event.SessionID(),
		Data:      data,
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", event.Type(), err)
	}
	return out, nil
}

// DecodeNDJSON parses one NDJSON line back into its concrete event type. The
// inverse of EncodeNDJSON; unknown event types return an error so callers can
// decide whether to skip or fail.
func DecodeNDJSON(line []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	event, err := decodePayload(env.Type, env.Data)
	if err != nil {
		return nil, err
	}
	ts := time.Unix(0, int64(env.Timestamp*1e9))
	if rs, ok := event.(interface {
		restore(string, uint64, time.Time)
	}); ok {
		rs.restore(env.SessionID, env.Seq, ts)
	}
	return event, nil
}

// decodePayload unmarshals the data object into the concrete event struct
// for the given type.
func decodePayload(typ EventType, data json.RawMessage) (Event, error) {
	var event Event
	switch typ {
	case PlanCandidateStart:
		event = &PlanCandidateStartEvent{}
	case PlanCandidateGenerated:
		event = &PlanCandidateGeneratedEvent{}
	case PlanCandidatesComplete:
		event = &PlanCandidatesCompleteEvent{}
	case PlanWinner:
		event = &PlanWinnerEvent{}
	case ExecutionPlanComputed:
		event = &ExecutionPlanComputedEvent{}
	case ArtifactCacheHit:
		event = &ArtifactCacheHitEvent{}
	case ArtifactCacheMiss:
		event = &ArtifactCacheMissEvent{}
	case ArtifactHashComputed:
		event = &ArtifactHashComputedEvent{}
	case ArtifactSkipped:
		event = &ArtifactSkippedEvent{}
	case TaskStart:
		event = &TaskStartEvent{}
	case TaskComplete:
		event = &TaskCompleteEvent{}
	case TaskError:
		event = &TaskErrorEvent{}
	case ToolStart:
		event = &ToolStartEvent{}
	case ToolComplete:
		event = &ToolCompleteEvent{}
	case ToolError:
		event = &ToolErrorEvent{}
	case SubagentSpawn:
		event = &SubagentSpawnEvent{}
	case SubagentStart:
		event = &SubagentStartEvent{}
	case SubagentHeartbeat:
		event = &SubagentHeartbeatEvent{}
	case SubagentComplete:
		event = &SubagentCompleteEvent{}
	case ModelComplete:
		event = &ModelCompleteEvent{}
	case GatePass:
		event = &GatePassEvent{}
	case GateFail:
		event = &GateFailEvent{}
	case Signal:
		event = &SignalEvent{}
	case SignalRoute:
		event = &SignalRouteEvent{}
	case ReliabilityWarning:
		event = &ReliabilityWarningEvent{}
	case ReliabilityHallucination:
		event = &ReliabilityHallucinationEvent{}
	case Error:
		event = &ErrorEvent{}
	case Complete:
		event = &CompleteEvent{}
	default:
		return nil, fmt.Errorf("decode event: unknown type %q", typ)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, event); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", typ, err)
		}
	}
	return event, nil
}
