// Package fakecms implements an in-memory author/publish pair which speaks
// enough of the distribution, replication and page command endpoints to run
// smoke checks against it.
package fakecms

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/atomic"
)

const agentsPath = "/libs/sling/distribution/services/agents"

// CMS is the shared state behind the author and publish handlers.
type CMS struct {
	// DrainAfter is the number of agent snapshots a queued package stays
	// visible for before it is applied.
	DrainAfter int
	// Toggles is served as the enabled feature toggles.
	Toggles []string
	// PublishRequiresAuth makes the publish tier answer 401 for pages.
	PublishRequiresAuth bool

	mu         sync.Mutex
	agents     map[string]*agent
	pages      map[string]bool
	rejectWith int
	failWith   int

	seq          atomic.Int64
	snapshots    atomic.Int64
	replications atomic.Int64
}

type agent struct {
	name      string
	state     string
	stalled   bool
	queue     queue
	published map[string]bool
}

type queue struct {
	id      string
	state   string
	pending []*pkg
}

type pkg struct {
	id, pkgID, path, action, state, errorMessage string
	reads                                        int
}

// New returns a CMS with "publish" and "preview" agents.
func New() *CMS {
	c := &CMS{
		DrainAfter: 1,
		Toggles:    []string{"ENABLED"},
		agents:     make(map[string]*agent),
		pages:      make(map[string]bool),
	}
	c.AddAgent("publish")
	c.AddAgent("preview")
	return c
}

// AddAgent adds an idle distribution agent.
func (c *CMS) AddAgent(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[name] = &agent{
		name:      name,
		state:     "IDLE",
		queue:     queue{id: name + "-queue", state: "IDLE"},
		published: make(map[string]bool),
	}
}

// RemoveAgent removes a distribution agent.
func (c *CMS) RemoveAgent(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.agents, name)
}

// BlockAgent puts the agent and its queue into the BLOCKED state with a
// failed package at its head.
func (c *CMS) BlockAgent(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.agents[name]
	a.state = "BLOCKED"
	a.queue.state = "BLOCKED"
	a.queue.pending = append([]*pkg{{
		id:           c.nextID("package-0@"),
		pkgID:        c.nextID("dstrpck-"),
		path:         "/content/broken",
		action:       "ADD",
		state:        "ERROR",
		errorMessage: "Failed attempt (12/infinite) to import the distribution package",
	}}, a.queue.pending...)
}

// Stall keeps queued packages of the agent from ever being applied.
func (c *CMS) Stall(name string, stalled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[name].stalled = stalled
}

// RejectReplication makes replication requests fail with code. A zero code
// accepts them again.
func (c *CMS) RejectReplication(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectWith = code
}

// FailReplication makes replication requests answer HTTP 200 with code as
// the embedded status code and queue nothing. A zero code accepts them again.
func (c *CMS) FailReplication(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWith = code
}

// AddPage creates a page on author.
func (c *CMS) AddPage(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[p] = true
}

// PageExists reports whether the page exists on author.
func (c *CMS) PageExists(p string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pages[p]
}

// Published reports whether p has been replicated through the agent.
func (c *CMS) Published(agentName, p string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.agents[agentName]
	return ok && a.published[p]
}

// Replications returns the number of accepted replication requests.
func (c *CMS) Replications() int { return int(c.replications.Load()) }

// Snapshots returns the number of agent snapshots served.
func (c *CMS) Snapshots() int { return int(c.snapshots.Load()) }

func (c *CMS) nextID(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, c.seq.Inc())
}

// Servers starts the author and publish tiers. Close both when done.
func (c *CMS) Servers() (author, publish *httptest.Server) {
	return httptest.NewServer(c.AuthorHandler()), httptest.NewServer(c.PublishHandler())
}

// AuthorHandler serves the author tier.
func (c *CMS) AuthorHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(agentsPath+".{depth:[0-9]+}.json", c.handleAgents).Methods(http.MethodGet)
	r.HandleFunc(agentsPath+"/{agent}/queues.1.json", c.handleQueues).Methods(http.MethodGet)
	r.HandleFunc(agentsPath+"/{agent}/queues/{queue}", c.handleClearQueue).Methods(http.MethodPost)
	r.HandleFunc("/bin/replicate.json", c.handleReplicate).Methods(http.MethodPost)
	r.HandleFunc("/bin/wcmcommand", c.handleCommand).Methods(http.MethodPost)
	c.commonRoutes(r)
	return r
}

// PublishHandler serves the publish tier. Pages replicated through the
// "publish" agent answer 200.
func (c *CMS) PublishHandler() http.Handler {
	r := mux.NewRouter()
	c.commonRoutes(r)
	r.PathPrefix("/content/").HandlerFunc(c.handlePage).Methods(http.MethodGet)
	return r
}

func (c *CMS) commonRoutes(r *mux.Router) {
	r.HandleFunc("/systemready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.HandleFunc("/etc.clientlibs/toggles.json", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": c.Toggles})
	}).Methods(http.MethodGet)
}

func (c *CMS) handleAgents(w http.ResponseWriter, _ *http.Request) {
	c.snapshots.Inc()

	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.agents))
	for n := range c.agents {
		names = append(names, n)
	}
	sort.Strings(names)

	doc := map[string]interface{}{
		"sling:resourceType": "sling/distribution/service/agent/list",
		"items":              names,
	}
	for _, n := range names {
		a := c.agents[n]
		doc[n] = map[string]interface{}{
			"name":   a.name,
			"status": map[string]string{"state": a.state},
			"queues": map[string]interface{}{
				"items":    []string{a.queue.id},
				a.queue.id: a.queue.render(),
			},
		}
	}
	writeJSON(w, http.StatusOK, doc)

	for _, a := range c.agents {
		c.advance(a)
	}
}

// advance applies the packages which have been visible for DrainAfter
// snapshots. Failed packages stay until the queue is cleared.
func (c *CMS) advance(a *agent) {
	if a.stalled {
		return
	}
	var keep []*pkg
	for _, p := range a.queue.pending {
		p.reads++
		if p.state == "ERROR" || p.reads < c.DrainAfter {
			keep = append(keep, p)
			continue
		}
		a.published[p.path] = p.action == "ADD"
	}
	a.queue.pending = keep
	if len(keep) == 0 && a.queue.state == "RUNNING" {
		a.queue.state = "IDLE"
	}
}

func (q *queue) render() map[string]interface{} {
	items := make([]string, 0, len(q.pending))
	doc := map[string]interface{}{
		"sling:resourceType": "sling/distribution/service/agent/queue",
		"state":              q.state,
		"itemsCount":         len(q.pending),
		"empty":              len(q.pending) == 0,
	}
	for _, p := range q.pending {
		items = append(items, p.id)
		item := map[string]interface{}{
			"id":     p.id,
			"pkgId":  p.pkgID,
			"paths":  []string{p.path},
			"action": p.action,
			"state":  p.state,
			"userid": "replication-service",
		}
		if p.errorMessage != "" {
			item["errorMessage"] = p.errorMessage
		}
		doc[p.id] = item
	}
	doc["items"] = items
	return doc
}

func (c *CMS) handleQueues(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.agents[mux.Vars(r)["agent"]]
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":    []string{a.queue.id},
		a.queue.id: map[string]interface{}{"state": a.queue.state},
	})
}

func (c *CMS) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	vars := mux.Vars(r)
	a, ok := c.agents[vars["agent"]]
	if !ok || a.queue.id != vars["queue"] || r.PostFormValue("operation") != "delete" {
		http.NotFound(w, r)
		return
	}
	a.queue.pending = nil
	a.queue.state = "IDLE"
	a.state = "IDLE"
	w.WriteHeader(http.StatusOK)
}

func (c *CMS) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var (
		cmd     = r.PostFormValue("cmd")
		p       = r.PostFormValue("path")
		agentID = r.PostFormValue("agentId")
	)
	if agentID == "" {
		agentID = "publish"
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rejectWith != 0 {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(c.rejectWith)
		fmt.Fprintf(w, "<html><body>Error while processing %s</body></html>", p)
		return
	}

	if c.failWith != 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"path":           []string{p},
			"artifactId":     []string{},
			"status.message": "Replication failed for " + p,
			"status.code":    c.failWith,
		})
		return
	}

	a, ok := c.agents[agentID]
	switch {
	case cmd != "Activate" && cmd != "Deactivate":
		writeAck(w, http.StatusBadRequest, p, "", "unknown command "+cmd)
		return
	case !ok:
		writeAck(w, http.StatusNotFound, p, "", "no agent "+agentID)
		return
	case cmd == "Activate" && !c.pages[p]:
		writeAck(w, http.StatusNotFound, p, "", "no page at "+p)
		return
	}

	action := "ADD"
	if cmd == "Deactivate" {
		action = "DELETE"
	}
	queued := c.enqueue(a, p, action)
	c.replications.Inc()
	writeAck(w, http.StatusOK, p, queued.pkgID, "Replication started for "+p)
}

func (c *CMS) enqueue(a *agent, p, action string) *pkg {
	queued := &pkg{
		id:     c.nextID("package-0@"),
		pkgID:  c.nextID("dstrpck-"),
		path:   p,
		action: action,
		state:  "QUEUED",
	}
	if c.DrainAfter <= 0 && !a.stalled {
		a.published[p] = action == "ADD"
		return queued
	}
	a.queue.pending = append(a.queue.pending, queued)
	if a.queue.state == "IDLE" {
		a.queue.state = "RUNNING"
	}
	return queued
}

func (c *CMS) handleCommand(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch r.PostFormValue("cmd") {
	case "createPage":
		p := path.Join(r.PostFormValue("parentPath"), r.PostFormValue("label"))
		c.pages[p] = true
		w.WriteHeader(http.StatusOK)
	case "deletePage":
		p := r.PostFormValue("path")
		if !c.pages[p] {
			http.NotFound(w, r)
			return
		}
		delete(c.pages, p)
		// Deleting a published page replicates the deletion.
		for _, a := range c.agents {
			if a.published[p] {
				c.enqueue(a, p, "DELETE")
			}
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "unknown command", http.StatusBadRequest)
	}
}

func (c *CMS) handlePage(w http.ResponseWriter, r *http.Request) {
	if c.PublishRequiresAuth {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	p := strings.TrimSuffix(r.URL.Path, ".html")

	c.mu.Lock()
	a, ok := c.agents["publish"]
	published := ok && a.published[p]
	c.mu.Unlock()

	if !published {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, "<html><body>%s</body></html>", p)
}

func writeAck(w http.ResponseWriter, code int, p, id, message string) {
	artifacts := []string{}
	if id != "" {
		artifacts = append(artifacts, id)
	}
	writeJSON(w, code, map[string]interface{}{
		"path":           []string{p},
		"artifactId":     artifacts,
		"status.message": message,
		"status.code":    code,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	bb, err := jsoniter.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(bb)
}
