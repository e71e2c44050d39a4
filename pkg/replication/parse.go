package replication

import (
	"errors"
	"strings"

	"github.com/buger/jsonparser"
)

// PackagePrefix is the prefix of the queue fields holding packages. All other
// fields of a queue document are metadata.
const PackagePrefix = "package"

// ErrNotObject is returned by ParseAgents when the document is not a JSON
// object.
var ErrNotObject = errors.New("agents document is not a JSON object")

// ParseAgents decodes the distribution agents document into an AgentSet.
//
// Parsing is permissive: missing fields take their defaults, and names listed
// under "items" without a matching sub-document produce empty agents or
// queues. Only a document which is not a JSON object is rejected.
func ParseAgents(doc []byte) (AgentSet, error) {
	if _, dt, _, err := jsonparser.Get(doc); err != nil || dt != jsonparser.Object {
		return nil, ErrNotObject
	}

	set := make(AgentSet)
	for _, key := range stringArray(doc, "items") {
		agent := &Agent{Name: key, Queues: make(map[string]*Queue)}
		if sub, ok := object(doc, key); ok {
			agent = parseAgent(key, sub)
		}
		set[key] = agent
	}
	return set, nil
}

func parseAgent(key string, doc []byte) *Agent {
	a := &Agent{
		Name:   key,
		State:  str(doc, "status", "state"),
		Queues: make(map[string]*Queue),
	}
	if name := str(doc, "name"); name != "" {
		a.Name = name
	}

	queues, ok := object(doc, "queues")
	if !ok {
		return a
	}
	for _, id := range stringArray(queues, "items") {
		q := &Queue{ID: id, Empty: true}
		if sub, ok := object(queues, id); ok {
			q = parseQueue(id, sub)
		}
		a.Queues[id] = q
	}
	return a
}

func parseQueue(id string, doc []byte) *Queue {
	q := &Queue{
		ID:         id,
		State:      str(doc, "state"),
		ItemsCount: int(num(doc, "itemsCount")),
		Empty:      boolean(doc, true, "empty"),
		Packages:   make(map[string]*Package),
	}

	_ = jsonparser.ObjectEach(doc, func(key, value []byte, dt jsonparser.ValueType, _ int) error {
		k := string(key)
		if dt != jsonparser.Object || !strings.HasPrefix(k, PackagePrefix) {
			return nil
		}
		p := parsePackage(value)
		if p.ID == "" {
			p.ID = k
		}
		q.Packages[k] = p
		return nil
	})
	return q
}

func parsePackage(doc []byte) *Package {
	return &Package{
		ID:           str(doc, "id"),
		PkgID:        str(doc, "pkgId"),
		Paths:        stringArray(doc, "paths"),
		State:        str(doc, "state"),
		ErrorMessage: str(doc, "errorMessage"),
		Attempts:     int(num(doc, "attempts")),
		Action:       str(doc, "action"),
		UserID:       str(doc, "userid"),
		Time:         str(doc, "time"),
		Size:         num(doc, "size"),
	}
}

func object(doc []byte, keys ...string) ([]byte, bool) {
	v, dt, _, err := jsonparser.Get(doc, keys...)
	if err != nil || dt != jsonparser.Object {
		return nil, false
	}
	return v, true
}

func str(doc []byte, keys ...string) string {
	v, err := jsonparser.GetString(doc, keys...)
	if err != nil {
		return ""
	}
	return v
}

func num(doc []byte, keys ...string) int64 {
	v, err := jsonparser.GetInt(doc, keys...)
	if err != nil {
		return 0
	}
	return v
}

func boolean(doc []byte, def bool, keys ...string) bool {
	v, err := jsonparser.GetBoolean(doc, keys...)
	if err != nil {
		return def
	}
	return v
}

// stringArray returns the string elements of the array at keys, skipping
// anything which is not a string.
func stringArray(doc []byte, keys ...string) []string {
	var out []string
	_, _ = jsonparser.ArrayEach(doc, func(value []byte, dt jsonparser.ValueType, _ int, err error) {
		if err != nil || dt != jsonparser.String {
			return
		}
		if s, err := jsonparser.ParseString(value); err == nil {
			out = append(out, s)
		}
	}, keys...)
	return out
}
