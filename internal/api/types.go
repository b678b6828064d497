package api

import (
	"time"

	"github.com/livinlefevreloca/pimsync/internal/db"
	"github.com/livinlefevreloca/pimsync/internal/scheduler"
)

// SyncRequest is the body of the sync endpoints
type SyncRequest struct {
	Account      string   `json:"account,omitempty"`
	Services     []string `json:"services,omitempty"`
	Immediate    bool     `json:"immediate"`
	AllowMetered bool     `json:"allow_metered"`
}

// CancelRequest is the body of the per-account cancel endpoint
type CancelRequest struct {
	Services []string `json:"services,omitempty"`
}

// ChangeRequest reports a remote change
type ChangeRequest struct {
	Service string `json:"service"`
	Source  string `json:"source,omitempty"`
}

// ConnectivityRequest reports the network state: offline, limited or online
type ConnectivityRequest struct {
	State string `json:"state"`
}

// StateResponse describes the scheduler
type StateResponse struct {
	State        string        `json:"state"`
	Connectivity string        `json:"connectivity"`
	AllowMetered bool          `json:"allow_metered"`
	ActiveJobs   int           `json:"active_jobs"`
	DeferredJobs int           `json:"deferred_jobs"`
	InFlight     *InFlightJSON `json:"in_flight,omitempty"`
	Next         *JobJSON      `json:"next,omitempty"`
	Counters     CountersJSON  `json:"counters"`
	Accounts     []AccountJSON `json:"accounts"`

	RetryableCodes []int `json:"retryable_codes"`
}

type JobJSON struct {
	Account string `json:"account"`
	Service string `json:"service"`
}

type InFlightJSON struct {
	Account   string    `json:"account"`
	Service   string    `json:"service"`
	Token     string    `json:"token"`
	Mode      string    `json:"mode"`
	StartedAt time.Time `json:"started_at"`
}

type CountersJSON struct {
	Dispatched int64 `json:"dispatched"`
	Finished   int64 `json:"finished"`
	Failed     int64 `json:"failed"`
	Retried    int64 `json:"retried"`
	Canceled   int64 `json:"canceled"`
	Deferred   int64 `json:"deferred"`
	Discarded  int64 `json:"discarded"`
}

type AccountJSON struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name,omitempty"`
	State       string   `json:"state"`
	Stale       bool     `json:"stale"`
	Services    []string `json:"services"`
	Queued      []string `json:"queued"`
	Deferred    []string `json:"deferred"`
}

// EventJSON is one scheduler event on the websocket stream
type EventJSON struct {
	Type      string    `json:"type"`
	Time      time.Time `json:"time"`
	Token     string    `json:"token,omitempty"`
	Account   string    `json:"account,omitempty"`
	Service   string    `json:"service,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	FirstSync bool      `json:"first_sync,omitempty"`
	Code      *int      `json:"code,omitempty"`
	Class     string    `json:"class,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Retrying  bool      `json:"retrying,omitempty"`
	Deferred  bool      `json:"deferred,omitempty"`
	State     string    `json:"state,omitempty"`
}

type RunJSON struct {
	ID         string    `json:"id"`
	Account    string    `json:"account"`
	Service    string    `json:"service"`
	Mode       string    `json:"mode"`
	Code       int       `json:"code"`
	Outcome    string    `json:"outcome"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

type PeriodJSON struct {
	PeriodID        string    `json:"period_id"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	Samples         int       `json:"samples"`
	Dispatched      int64     `json:"dispatched"`
	Finished        int64     `json:"finished"`
	Failed          int64     `json:"failed"`
	Retried         int64     `json:"retried"`
	Canceled        int64     `json:"canceled"`
	Deferred        int64     `json:"deferred"`
	MaxActiveJobs   int       `json:"max_active_jobs"`
	AvgActiveJobs   float64   `json:"avg_active_jobs"`
	MaxDeferredJobs int       `json:"max_deferred_jobs"`
	MaxInboxDepth   int       `json:"max_inbox_depth"`
	BusyRatio       float64   `json:"busy_ratio"`
	OfflineRatio    float64   `json:"offline_ratio"`
	RunsWritten     int64     `json:"runs_written"`
}

// ErrorResponse is returned with every non-2xx status
type ErrorResponse struct {
	Error string `json:"error"`
}

func toStateResponse(st scheduler.Stats, accounts []scheduler.AccountInfo) StateResponse {
	resp := StateResponse{
		State:        st.State.String(),
		Connectivity: st.Connectivity.String(),
		AllowMetered: st.AllowMetered,
		ActiveJobs:   st.ActiveJobs,
		DeferredJobs: st.DeferredJobs,
		Counters: CountersJSON{
			Dispatched: st.Dispatched,
			Finished:   st.Finished,
			Failed:     st.Failed,
			Retried:    st.Retried,
			Canceled:   st.Canceled,
			Deferred:   st.Deferred,
			Discarded:  st.Discarded,
		},
		Accounts:       toAccountsJSON(accounts),
		RetryableCodes: st.RetryableCodes,
	}
	if resp.RetryableCodes == nil {
		resp.RetryableCodes = []int{}
	}
	if st.Next != nil {
		resp.Next = &JobJSON{Account: st.Next.Account, Service: st.Next.Service}
	}
	if st.InFlight != nil {
		resp.InFlight = &InFlightJSON{
			Account:   st.InFlight.Account,
			Service:   st.InFlight.Service,
			Token:     st.InFlight.Token,
			Mode:      string(st.InFlight.Mode),
			StartedAt: st.InFlight.StartedAt,
		}
	}
	return resp
}

func toAccountsJSON(accounts []scheduler.AccountInfo) []AccountJSON {
	out := make([]AccountJSON, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, AccountJSON{
			ID:          a.ID,
			DisplayName: a.DisplayName,
			State:       a.State,
			Stale:       a.Stale,
			Services:    nonNil(a.Services),
			Queued:      nonNil(a.Queued),
			Deferred:    nonNil(a.Deferred),
		})
	}
	return out
}

func toEventJSON(ev scheduler.Event) EventJSON {
	out := EventJSON{
		Type:      ev.Type.String(),
		Time:      ev.Time,
		Token:     ev.Token,
		Account:   ev.Account,
		Service:   ev.Service,
		Mode:      string(ev.Mode),
		FirstSync: ev.FirstSync,
		Reason:    ev.Reason,
		Retrying:  ev.Retrying,
		Deferred:  ev.Deferred,
	}

	switch ev.Type {
	case scheduler.EventSyncFinished, scheduler.EventSyncFailed:
		code := ev.Code
		out.Code = &code
		out.Class = ev.Class.String()
	case scheduler.EventStateChanged:
		out.State = ev.State.String()
	}
	return out
}

func toRunJSON(run *db.SyncRun) RunJSON {
	out := RunJSON{
		ID:         run.ID,
		Account:    run.Account,
		Service:    run.Service,
		Mode:       run.Mode,
		Code:       run.Code,
		Outcome:    run.Outcome,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	if run.Error != nil {
		out.Error = *run.Error
	}
	return out
}

func toPeriodJSON(p *db.PeriodStats) PeriodJSON {
	return PeriodJSON{
		PeriodID:        p.PeriodID,
		StartTime:       p.StartTime,
		EndTime:         p.EndTime,
		Samples:         p.Samples,
		Dispatched:      p.Dispatched,
		Finished:        p.Finished,
		Failed:          p.Failed,
		Retried:         p.Retried,
		Canceled:        p.Canceled,
		Deferred:        p.Deferred,
		MaxActiveJobs:   p.MaxActiveJobs,
		AvgActiveJobs:   p.AvgActiveJobs,
		MaxDeferredJobs: p.MaxDeferredJobs,
		MaxInboxDepth:   p.MaxInboxDepth,
		BusyRatio:       p.BusyRatio,
		OfflineRatio:    p.OfflineRatio,
		RunsWritten:     p.RunsWritten,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
