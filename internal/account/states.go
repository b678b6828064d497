package account

// State is implemented by every account lifecycle state. Each concrete state
// only offers the transitions that are legal from it.
type State interface {
	Name() string
}

// IdleState - no engine work for this account
type IdleState struct{}

func (s *IdleState) Name() string { return "idle" }
func (s *IdleState) ToConfiguring() *ConfiguringState {
	return &ConfiguringState{}
}
func (s *IdleState) ToSyncing() *SyncingState {
	return &SyncingState{}
}
func (s *IdleState) ToInvalid() *InvalidState {
	return &InvalidState{}
}

// ConfiguringState - target configuration being written by the engine
type ConfiguringState struct{}

func (s *ConfiguringState) Name() string { return "configuring" }
func (s *ConfiguringState) ToIdle() *IdleState {
	return &IdleState{}
}
func (s *ConfiguringState) ToInvalid() *InvalidState {
	return &InvalidState{}
}

// SyncingState - the engine reported the session running
type SyncingState struct{}

func (s *SyncingState) Name() string { return "syncing" }
func (s *SyncingState) ToIdle() *IdleState {
	return &IdleState{}
}
func (s *SyncingState) ToInvalid() *InvalidState {
	return &InvalidState{}
}

// InvalidState - unrecoverable local error, left only by Reconfigure
type InvalidState struct{}

func (s *InvalidState) Name() string { return "invalid" }
func (s *InvalidState) ToIdle() *IdleState {
	return &IdleState{}
}

// StateRecorder tracks state transitions for testing
type StateRecorder struct {
	path []string
}

func NewStateRecorder() *StateRecorder {
	return &StateRecorder{path: make([]string, 0)}
}

func (r *StateRecorder) Record(state State) {
	r.path = append(r.path, state.Name())
}

func (r *StateRecorder) Path() []string {
	return r.path
}
