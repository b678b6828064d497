// Package jobqueue holds pending (account, service) sync jobs in
// first-inserted-first-served order.
//
// Accounts are served in the order they were first pushed, and within an
// account services are served in the order they were pushed. Pushing a pair
// that is already pending is a no-op. An account whose service set becomes
// empty is dropped, so ordering only ever reflects live entries.
//
// A Queue is not safe for concurrent use; the scheduler loop owns it.
package jobqueue

import "fmt"

// Job identifies one unit of sync work
type Job struct {
	Account string
	Service string
}

// String returns "account/service"
func (j Job) String() string {
	return fmt.Sprintf("%s/%s", j.Account, j.Service)
}

// ServiceResolver returns the services currently available for an account.
// It is consulted when an account is pushed without explicit services.
type ServiceResolver func(account string) []string

type entry struct {
	account  string
	services []string
}

// Queue is an ordered, deduplicated set of pending jobs
type Queue struct {
	entries  []*entry
	index    map[string]*entry // account → entry
	resolver ServiceResolver
}

// New creates an empty queue
func New(resolver ServiceResolver) *Queue {
	if resolver == nil {
		resolver = func(string) []string { return nil }
	}
	return &Queue{
		index:    make(map[string]*entry),
		resolver: resolver,
	}
}

// Push enqueues services for account. With no services, every service the
// resolver reports for the account at this moment is enqueued.
func (q *Queue) Push(account string, services ...string) {
	if len(services) == 0 {
		services = q.resolver(account)
	}
	if len(services) == 0 {
		return
	}

	e, ok := q.index[account]
	if !ok {
		e = &entry{account: account}
	}

	for _, svc := range services {
		if !contains(e.services, svc) {
			e.services = append(e.services, svc)
		}
	}

	if !ok && len(e.services) > 0 {
		q.entries = append(q.entries, e)
		q.index[account] = e
	}
}

// PushJob enqueues a single job
func (q *Queue) PushJob(job Job) {
	q.Push(job.Account, job.Service)
}

// Pop removes and returns the earliest pending job
func (q *Queue) Pop() (Job, bool) {
	if len(q.entries) == 0 {
		return Job{}, false
	}

	e := q.entries[0]
	job := Job{Account: e.account, Service: e.services[0]}
	e.services = e.services[1:]

	if len(e.services) == 0 {
		q.dropEntry(0)
	}

	return job, true
}

// Peek returns the earliest pending job without removing it
func (q *Queue) Peek() (Job, bool) {
	if len(q.entries) == 0 {
		return Job{}, false
	}
	e := q.entries[0]
	return Job{Account: e.account, Service: e.services[0]}, true
}

// Remove drops the given services for account, or every service when none
// are given. It returns the number of jobs removed.
func (q *Queue) Remove(account string, services ...string) int {
	e, ok := q.index[account]
	if !ok {
		return 0
	}

	removed := 0
	if len(services) == 0 {
		removed = len(e.services)
		e.services = nil
	} else {
		kept := e.services[:0]
		for _, svc := range e.services {
			if contains(services, svc) {
				removed++
				continue
			}
			kept = append(kept, svc)
		}
		e.services = kept
	}

	if len(e.services) == 0 {
		for i, cur := range q.entries {
			if cur == e {
				q.dropEntry(i)
				break
			}
		}
	}

	return removed
}

// Contains reports whether (account, service) is pending. An empty service
// asks whether any job for account is pending.
func (q *Queue) Contains(account, service string) bool {
	e, ok := q.index[account]
	if !ok {
		return false
	}
	if service == "" {
		return len(e.services) > 0
	}
	return contains(e.services, service)
}

// Count returns the number of pending (account, service) pairs
func (q *Queue) Count() int {
	n := 0
	for _, e := range q.entries {
		n += len(e.services)
	}
	return n
}

// Empty reports whether no jobs are pending
func (q *Queue) Empty() bool {
	return len(q.entries) == 0
}

// Accounts returns the accounts with pending jobs in service order
func (q *Queue) Accounts() []string {
	accounts := make([]string, len(q.entries))
	for i, e := range q.entries {
		accounts[i] = e.account
	}
	return accounts
}

// Jobs returns every pending job in pop order
func (q *Queue) Jobs() []Job {
	jobs := make([]Job, 0, q.Count())
	for _, e := range q.entries {
		for _, svc := range e.services {
			jobs = append(jobs, Job{Account: e.account, Service: svc})
		}
	}
	return jobs
}

// Drain removes and returns every pending job in pop order
func (q *Queue) Drain() []Job {
	jobs := q.Jobs()
	q.Clear()
	return jobs
}

// Clear drops every pending job
func (q *Queue) Clear() {
	q.entries = nil
	q.index = make(map[string]*entry)
}

func (q *Queue) dropEntry(i int) {
	e := q.entries[i]
	delete(q.index, e.account)
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
