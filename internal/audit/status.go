package audit

// Status is a point-in-time view of the auditor for the admin API.
type Status struct {
	State        SupervisorState `json:"state"`
	Restarts     uint64          `json:"restarts"`
	LastError    string          `json:"lastError,omitempty"`
	Tail         TailStats       `json:"tail"`
	EditContexts int             `json:"editContexts"`
	RoomNames    int             `json:"roomNames"`
}

// CollectStatus reads every component that is present; nil ones are skipped.
func CollectStatus(supervisor *Supervisor, tailer *Tailer, edits *EditContextCache, rooms *RoomResolver) Status {
	status := Status{State: StateStopped}
	if supervisor != nil {
		status.State = supervisor.State()
		status.Restarts = supervisor.Restarts()
		if err := supervisor.LastError(); err != nil {
			status.LastError = err.Error()
		}
	}
	if tailer != nil {
		status.Tail = tailer.Stats()
	}
	if edits != nil {
		status.EditContexts = edits.Len()
	}
	if rooms != nil {
		status.RoomNames = rooms.Len()
	}
	return status
}
