package smoke

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/cqsmoke/cqsmoke/internal/fakecms"
	"github.com/cqsmoke/cqsmoke/pkg/util"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

func TestFixture_CreateAndCleanup(t *testing.T) {
	cms := fakecms.New()
	env := newTestEnv(t, cms)
	fx := env.NewFixture(util.TestLogger(t))

	ctx := context.Background()
	first, err := fx.CreatePage(ctx)
	require.NoError(t, err)
	second, err := fx.CreatePage(ctx)
	require.NoError(t, err)

	require.NotEqual(t, first, second)
	require.True(t, strings.HasPrefix(first, testParent+"/"+PagePrefix))
	require.True(t, cms.PageExists(first))
	require.Equal(t, []string{first, second}, fx.Created())

	// Pages removed by the check itself are not an error.
	require.NoError(t, env.Author.DeletePage(ctx, first))
	require.NoError(t, fx.Cleanup(ctx))
	require.False(t, cms.PageExists(second))
	require.Empty(t, fx.Created())
}

func TestFixture_CleanupOrderAndErrors(t *testing.T) {
	var (
		mut     sync.Mutex
		deleted []string
	)
	r := mux.NewRouter()
	r.HandleFunc("/bin/wcmcommand", func(w http.ResponseWriter, r *http.Request) {
		p := r.PostFormValue("path")
		mut.Lock()
		deleted = append(deleted, p)
		mut.Unlock()
		if strings.HasSuffix(p, "locked") {
			http.Error(w, "page is locked", http.StatusConflict)
		}
	}).Methods(http.MethodPost)
	srv := httptest.NewServer(r)
	defer srv.Close()

	fx := NewFixture(newTestClient(t, "author", srv.URL), testParent, "", nil)
	fx.Track("/content/a")
	fx.Track("/content/locked")
	fx.Track("/content/c")

	err := fx.Cleanup(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "deleting /content/locked")
	require.NotContains(t, err.Error(), "/content/a:")
	require.Equal(t, []string{"/content/c", "/content/locked", "/content/a"}, deleted)
}
