package replication

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/cqsmoke/cqsmoke/pkg/client"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
)

// fakeTransport serves scripted responses.
type fakeTransport struct {
	mu sync.Mutex

	// get is called for every GetJSON call with the 1-based call number.
	get  func(call int, path string, depth int) ([]byte, error)
	post func(path string, form url.Values) (*client.Response, error)

	gets      int
	posts     []url.Values
	postPaths []string
}

func (f *fakeTransport) GetJSON(_ context.Context, path string, depth int) ([]byte, error) {
	f.mu.Lock()
	f.gets++
	call := f.gets
	f.mu.Unlock()
	return f.get(call, path, depth)
}

func (f *fakeTransport) PostForm(_ context.Context, path string, form url.Values) (*client.Response, error) {
	f.mu.Lock()
	f.posts = append(f.posts, form)
	f.postPaths = append(f.postPaths, path)
	f.mu.Unlock()

	if f.post == nil {
		return okAck("dstrpck-1"), nil
	}
	return f.post(path, form)
}

func (f *fakeTransport) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func okAck(id string) *client.Response {
	return &client.Response{
		StatusCode: http.StatusOK,
		Body:       []byte(`{"artifactId":["` + id + `"],"status.message":"Replication started","status.code":200}`),
	}
}

type testPkg struct {
	id, pkgID, path, state string
}

type testQueue struct {
	id    string
	state string
	pkgs  []testPkg
}

// agentsDoc renders an agents document with a single agent.
func agentsDoc(t *testing.T, agent, state string, queues ...testQueue) []byte {
	t.Helper()

	qdoc := map[string]interface{}{}
	var qids []string
	for _, q := range queues {
		qids = append(qids, q.id)
		doc := map[string]interface{}{
			"state":      q.state,
			"itemsCount": len(q.pkgs),
			"empty":      len(q.pkgs) == 0,
		}
		var items []string
		for _, p := range q.pkgs {
			items = append(items, p.id)
			doc[p.id] = map[string]interface{}{
				"id":    p.id,
				"pkgId": p.pkgID,
				"paths": []string{p.path},
				"state": p.state,
			}
		}
		doc["items"] = items
		qdoc[q.id] = doc
	}
	qdoc["items"] = qids

	bb, err := jsoniter.Marshal(map[string]interface{}{
		"items": []string{agent},
		agent: map[string]interface{}{
			"name":   agent,
			"queues": qdoc,
			"status": map[string]string{"state": state},
		},
	})
	require.NoError(t, err)
	return bb
}
