// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/juju/errors"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
	"github.com/amineammari/vm-migrator/internal/openstack"
	"github.com/amineammari/vm-migrator/internal/queue"
	"github.com/amineammari/vm-migrator/internal/state"
	"github.com/amineammari/vm-migrator/internal/vmware"
)

type handlerConfig struct {
	Store   Store
	Queue   Enqueuer
	Clients map[coremigration.Source]vmware.Client
	Session openstack.Session
	Clock   clock.Clock

	EnableRollback          bool
	EnableProvisioning      bool
	AllowQueuedProvisioning bool
}

type handlers struct {
	cfg handlerConfig
}

func newHandler(cfg handlerConfig) http.Handler {
	h := &handlers{cfg: cfg}
	r := mux.NewRouter()
	r.HandleFunc("/api/health", h.health).Methods("GET")

	r.HandleFunc("/api/migrations", h.listJobs).Methods("GET")
	r.HandleFunc("/api/migrations/from-vmware", h.createFromVMware).Methods("POST")
	r.HandleFunc("/api/migrations/{id}", h.getJob).Methods("GET")
	r.HandleFunc("/api/migrations/{id}/start", h.startJob).Methods("POST")
	r.HandleFunc("/api/migrations/{id}/rollback", h.rollbackJob).Methods("POST")

	r.HandleFunc("/api/vmware/vms", h.listVMs).Methods("GET")
	r.HandleFunc("/api/vmware/discover-now", h.discoverNow).Methods("POST")

	r.HandleFunc("/api/tasks/{id}", h.getTask).Methods("GET")

	r.HandleFunc("/api/openstack/health", h.openstackHealth).Methods("GET")
	r.HandleFunc("/api/openstack/images", h.openstackImages).Methods("GET")
	r.HandleFunc("/api/openstack/flavors", h.openstackFlavors).Methods("GET")
	r.HandleFunc("/api/openstack/networks", h.openstackNetworks).Methods("GET")
	r.HandleFunc("/api/openstack/provision", h.provision).Methods("POST")
	return r
}

// jobView is the wire rendering of a job.
type jobView struct {
	ID            string                          `json:"id"`
	VMName        string                          `json:"vm_name"`
	Source        string                          `json:"source"`
	Status        string                          `json:"status"`
	Attempt       int                             `json:"attempt"`
	StageMetadata coremigration.StageMetadata     `json:"stage_metadata,omitempty"`
	Rollback      *coremigration.RollbackMetadata `json:"rollback,omitempty"`
	CreatedAt     time.Time                       `json:"created_at"`
	UpdatedAt     time.Time                       `json:"updated_at"`
}

func viewOfJob(job coremigration.Job) jobView {
	return jobView{
		ID:            job.ID,
		VMName:        job.VMName,
		Source:        string(job.Source),
		Status:        string(job.Status),
		Attempt:       job.Attempt,
		StageMetadata: job.StageMetadata,
		Rollback:      job.Rollback,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
}

type vmView struct {
	Name       string                         `json:"name"`
	Source     string                         `json:"source"`
	CPU        int                            `json:"cpu"`
	RAMMB      int                            `json:"ram_mb"`
	PowerState string                         `json:"power_state"`
	Disks      []coremigration.DiskDescriptor `json:"disks,omitempty"`
	Metadata   map[string]interface{}         `json:"metadata,omitempty"`
	LastSeen   time.Time                      `json:"last_seen"`
}

func viewOfVM(vm coremigration.VMDescriptor) vmView {
	return vmView{
		Name:       vm.Name,
		Source:     string(vm.Source),
		CPU:        vm.CPU,
		RAMMB:      vm.RAMMB,
		PowerState: vm.PowerState,
		Disks:      vm.Disks,
		Metadata:   vm.Metadata,
		LastSeen:   vm.LastSeen,
	}
}

type taskView struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	JobID     string    `json:"job_id,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func viewOfTask(t state.TaskRecord) taskView {
	return taskView{
		ID:        t.ID,
		Kind:      t.Kind,
		JobID:     t.JobID,
		Status:    t.Status,
		Error:     t.Error,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorf("encoding response: %v", err)
	}
}

// sendError maps juju error kinds onto HTTP statuses.
func sendError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.NotFound):
		status = http.StatusNotFound
	case errors.Is(err, errors.NotValid), errors.Is(err, errors.BadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, errors.NotSupported), errors.Is(err, errors.Forbidden):
		status = http.StatusForbidden
	}
	sendJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   h.cfg.Clock.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.cfg.Store.ListJobs(r.Context())
	if err != nil {
		sendError(w, err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, viewOfJob(job))
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"migrations": views})
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.cfg.Store.Job(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, viewOfJob(job))
}

type createRequest struct {
	Source  string   `json:"source"`
	VMNames []string `json:"vm_names,omitempty"`
}

// createFromVMware creates one PENDING job per requested VM and queues
// the first stage of each. VMs that already carry an active job are
// reported as skipped, so the call is safe to repeat.
func (h *handlers) createFromVMware(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, errors.NewBadRequest(err, "decoding request"))
		return
	}
	source, err := coremigration.ParseSource(req.Source)
	if err != nil {
		sendError(w, err)
		return
	}
	client, ok := h.cfg.Clients[source]
	if !ok {
		sendError(w, errors.NotSupportedf("source %q", source))
		return
	}

	names := req.VMNames
	if len(names) == 0 {
		vms, err := client.ListVMs(r.Context())
		if err != nil {
			sendError(w, errors.Annotatef(err, "listing vms on %s", source))
			return
		}
		for _, vm := range vms {
			names = append(names, vm.Name)
		}
		sort.Strings(names)
	}

	var created, skipped []jobView
	for _, name := range names {
		job, wasCreated, err := h.cfg.Store.CreateOrSkip(r.Context(), name, source)
		if err != nil {
			sendError(w, errors.Annotatef(err, "creating job for vm %q", name))
			return
		}
		if !wasCreated {
			skipped = append(skipped, viewOfJob(job))
			continue
		}
		if err := h.cfg.Queue.Enqueue(queue.Task{Kind: queue.KindAdvance, JobID: job.ID}); err != nil {
			sendError(w, errors.Annotatef(err, "queueing job %q", job.ID))
			return
		}
		created = append(created, viewOfJob(job))
	}
	sendJSON(w, http.StatusCreated, map[string]interface{}{
		"created_jobs": created,
		"skipped_jobs": skipped,
	})
}

// startJob re-queues an advance for a job, typically after the service
// restarted with work left in flight.
func (h *handlers) startJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.cfg.Store.Job(r.Context(), id)
	if err != nil {
		sendError(w, err)
		return
	}
	if job.Status.IsTerminal() {
		sendError(w, errors.NotValidf("starting job in status %s", job.Status))
		return
	}
	if err := h.cfg.Queue.Enqueue(queue.Task{Kind: queue.KindAdvance, JobID: id}); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusAccepted, map[string]string{
		"job_id": id,
		"status": string(job.Status),
	})
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

func (h *handlers) rollbackJob(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.EnableRollback {
		sendError(w, errors.Forbiddenf("rollback is disabled"))
		return
	}
	id := mux.Vars(r)["id"]
	job, err := h.cfg.Store.Job(r.Context(), id)
	if err != nil {
		sendError(w, err)
		return
	}
	if job.Status == coremigration.StatusVerified {
		sendError(w, errors.NotValidf("rolling back job in status %s", job.Status))
		return
	}
	var req rollbackRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			sendError(w, errors.NewBadRequest(err, "decoding request"))
			return
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = "requested through the api"
	}
	if err := h.cfg.Queue.Enqueue(queue.Task{
		Kind:   queue.KindRollback,
		JobID:  id,
		Reason: reason,
	}); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "reason": reason})
}

func (h *handlers) listVMs(w http.ResponseWriter, r *http.Request) {
	var source coremigration.Source
	if raw := r.URL.Query().Get("source"); raw != "" {
		var err error
		if source, err = coremigration.ParseSource(raw); err != nil {
			sendError(w, err)
			return
		}
	}
	vms, err := h.cfg.Store.ListDiscoveredVMs(r.Context(), source)
	if err != nil {
		sendError(w, err)
		return
	}
	views := make([]vmView, 0, len(vms))
	for _, vm := range vms {
		views = append(views, viewOfVM(vm))
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"vms": views})
}

func (h *handlers) discoverNow(w http.ResponseWriter, r *http.Request) {
	task, err := h.cfg.Store.CreateTask(r.Context(), string(queue.KindDiscover), "")
	if err != nil {
		sendError(w, err)
		return
	}
	if err := h.cfg.Queue.Enqueue(queue.Task{ID: task.ID, Kind: queue.KindDiscover}); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID})
}

func (h *handlers) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.cfg.Store.Task(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, viewOfTask(task))
}

func (h *handlers) openstackHealth(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Session == nil {
		sendJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not configured"})
		return
	}
	if _, err := h.cfg.Session.ListFlavors(r.Context()); err != nil {
		sendJSON(w, http.StatusBadGateway, map[string]string{
			"status": "unreachable",
			"error":  err.Error(),
		})
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) openstackImages(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Session == nil {
		sendJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not configured"})
		return
	}
	images, err := h.cfg.Session.ListImages(r.Context())
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"images": images})
}

func (h *handlers) openstackFlavors(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Session == nil {
		sendJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not configured"})
		return
	}
	flavors, err := h.cfg.Session.ListFlavors(r.Context())
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"flavors": flavors})
}

func (h *handlers) openstackNetworks(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Session == nil {
		sendJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not configured"})
		return
	}
	networks, err := h.cfg.Session.ListNetworks(r.Context())
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"networks": networks})
}

func (h *handlers) provision(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.EnableProvisioning {
		sendError(w, errors.Forbiddenf("provisioning is disabled"))
		return
	}
	if !h.cfg.AllowQueuedProvisioning {
		sendError(w, errors.Forbiddenf("queued provisioning is disabled"))
		return
	}
	task, err := h.cfg.Store.CreateTask(r.Context(), string(queue.KindProvision), "")
	if err != nil {
		sendError(w, err)
		return
	}
	if err := h.cfg.Queue.Enqueue(queue.Task{ID: task.ID, Kind: queue.KindProvision}); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID})
}
