// Package copier implements the staged entity-graph copy pipeline: it
// clones a questionnaire-shaped aggregate (root, pages, groups, questions,
// conditions, classifications) into new records on the same environment,
// remapping every internal reference along the way.
package copier

// Phase names one state in the copy state machine (spec §4.8).
type Phase string

const (
	PhaseIdle                 Phase = "Idle"
	PhaseCreatingRoot         Phase = "CreatingRoot"
	PhaseCreatingPages        Phase = "CreatingPages"
	PhaseCreatingPageLines    Phase = "CreatingPageLines"
	PhaseCreatingGroups       Phase = "CreatingGroups"
	PhaseCreatingGroupLines   Phase = "CreatingGroupLines"
	PhaseCreatingQuestions    Phase = "CreatingQuestions"
	PhaseCreatingTemplateLines Phase = "CreatingTemplateLines"
	PhaseCreatingConditions   Phase = "CreatingConditions"
	PhaseCreatingConditionActions Phase = "CreatingConditionActions"
	PhaseCreatingClassifications  Phase = "CreatingClassifications"
	PhasePublishingConditions Phase = "PublishingConditions"
	PhaseDone                 Phase = "Done"
	PhaseRollingBack          Phase = "RollingBack"
	PhaseRolledBack           Phase = "RolledBack"
	PhaseRollbackIncomplete   Phase = "RollbackIncomplete"
)

// CreatedRecord is one rollback-log entry: an entity set and the new GUID
// assigned to it by the server.
type CreatedRecord struct {
	EntitySet string
	ID        string
}

// State is the copy run's working memory (spec §3 "Copy state"). It is
// created fresh for each run and discarded on completion or rollback.
type State struct {
	IDMap   map[string]string
	Created []CreatedRecord
	Phase   Phase
	Step    int
	Counts  map[string]uint32
}

// NewState returns an empty copy state in PhaseIdle.
func NewState() *State {
	return &State{
		IDMap:  make(map[string]string),
		Phase:  PhaseIdle,
		Counts: make(map[string]uint32),
	}
}

func (s *State) record(entitySet, id string) {
	s.Created = append(s.Created, CreatedRecord{EntitySet: entitySet, ID: id})
}

func (s *State) mapID(oldGUID, newGUID string) {
	s.IDMap[oldGUID] = newGUID
}

// Progress is the out-of-band, fire-and-forget record published after
// every stage (spec §4.8 Progress).
type Progress struct {
	Phase  Phase
	Step   int
	Counts map[string]uint32
}

func (s *State) snapshotProgress() Progress {
	counts := make(map[string]uint32, len(s.Counts))
	for k, v := range s.Counts {
		counts[k] = v
	}
	return Progress{Phase: s.Phase, Step: s.Step, Counts: counts}
}

// ProgressPublisher receives one Progress record per completed stage.
// Publish must never block the pipeline; a buffered-channel-backed
// implementation or a no-op is typical.
type ProgressPublisher interface {
	Publish(Progress)
}

// ChannelPublisher fans progress records out over a buffered channel,
// dropping records instead of blocking when the channel is full.
type ChannelPublisher struct {
	ch chan Progress
}

// NewChannelPublisher creates a ChannelPublisher with the given buffer
// size. Callers read from Events().
func NewChannelPublisher(buffer int) *ChannelPublisher {
	return &ChannelPublisher{ch: make(chan Progress, buffer)}
}

func (p *ChannelPublisher) Events() <-chan Progress { return p.ch }

func (p *ChannelPublisher) Publish(ev Progress) {
	select {
	case p.ch <- ev:
	default:
	}
}

// NopPublisher discards every progress record.
type NopPublisher struct{}

func (NopPublisher) Publish(Progress) {}
