package scheduler

import (
	"fmt"

	"github.com/livinlefevreloca/pimsync/internal/account"
	"github.com/livinlefevreloca/pimsync/internal/registry"
)

// handleRegistryEvent applies an account lifecycle change
func (s *Scheduler) handleRegistryEvent(ev registry.Event) {
	id := ev.Account.ID

	switch ev.Type {
	case registry.EventAdded:
		if err := s.addAccount(ev.Account); err != nil {
			s.logger.Error("failed to add account", "account", id, "error", err)
			return
		}
		s.logger.Info("account added", "account", id)
		if s.config.SyncOnAdd {
			s.handleRequestSync(RequestSyncMsg{Account: id, Immediate: true})
		}

	case registry.EventChanged:
		s.updateAccount(ev.Account)

	case registry.EventRemoved:
		s.removeAccount(id)

	default:
		s.logger.Warn("unknown registry event", "type", ev.Type)
	}
}

// addAccount creates the account state, loading stored attempt records
func (s *Scheduler) addAccount(a registry.Account) error {
	if _, exists := s.accounts[a.ID]; exists {
		return fmt.Errorf("account %s already exists", a.ID)
	}

	acc, err := account.New(a.ID, account.Options{
		DisplayName: a.DisplayName,
		Services:    toAccountServices(a.Services),
		Engine:      s.engine,
		Taxonomy:    s.taxonomy,
		Store:       s.store,
		Logger:      s.logger,
	})
	if err != nil {
		return err
	}

	s.accounts[a.ID] = acc
	s.order = append(s.order, a.ID)
	return nil
}

// updateAccount applies a changed service list. It counts as an explicit
// reconfiguration, so an Invalid account becomes usable again.
func (s *Scheduler) updateAccount(a registry.Account) {
	acc, ok := s.accounts[a.ID]
	if !ok {
		s.logger.Warn("change for unknown account", "account", a.ID)
		return
	}

	acc.SetServices(toAccountServices(a.Services))
	acc.Reconfigure()

	dropped := 0
	for _, job := range s.active.Jobs() {
		if job.Account == a.ID && !acc.HasService(job.Service) {
			dropped += s.active.Remove(job.Account, job.Service)
		}
	}
	for _, job := range s.deferred.Jobs() {
		if job.Account == a.ID && !acc.HasService(job.Service) {
			dropped += s.deferred.Remove(job.Account, job.Service)
		}
	}

	s.logger.Info("account changed",
		"account", a.ID,
		"services", acc.EnabledServices(),
		"dropped_jobs", dropped)

	s.settle()
}

// removeAccount cancels the account's in-flight job, purges its queued jobs
// and drops its records unless the registry says to keep local data
func (s *Scheduler) removeAccount(id string) {
	acc, ok := s.accounts[id]
	if !ok {
		s.logger.Warn("removal of unknown account", "account", id)
		return
	}

	wasInflight := s.inflight != nil && s.inflight.job.Account == id
	if wasInflight {
		s.cancelInflight("account removed")
	}

	removed := s.active.Remove(id) + s.deferred.Remove(id)

	delete(s.accounts, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	keep := s.registry.ConfirmRemoval(id)
	if !keep {
		if err := acc.ForgetRecords(); err != nil {
			s.logger.Error("failed to delete attempt records",
				"account", id,
				"error", err)
		}
	}

	s.logger.Info("account removed",
		"account", id,
		"removed_jobs", removed,
		"keep_local_data", keep)

	if wasInflight {
		s.dispatch()
		return
	}
	s.settle()
}

func toAccountServices(services []registry.Service) []account.Service {
	out := make([]account.Service, 0, len(services))
	for _, svc := range services {
		out = append(out, account.Service{Name: svc.Name, Enabled: svc.Enabled})
	}
	return out
}
