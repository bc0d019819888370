package jobhandler

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gotuner/pkg/dataset"
	"github.com/3leaps/gotuner/pkg/jobregistry"
	"github.com/3leaps/gotuner/pkg/publish"
	"github.com/3leaps/gotuner/pkg/supervisor"
	"github.com/3leaps/gotuner/pkg/workspace"
)

func requireTools(t *testing.T, tools ...string) {
	t.Helper()
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not on PATH", tool)
		}
	}
}

func decodeRequest(t *testing.T, doc string) Request {
	t.Helper()
	var req Request
	require.NoError(t, json.Unmarshal([]byte(doc), &req))
	return req
}

func datasetServer(t *testing.T) *httptest.Server {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("images/001.png")
	require.NoError(t, err)
	_, err = w.Write([]byte("png"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data.zip" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

// shellTrainer echoes its arguments one per line, then runs script. $OUT
// is the output directory.
func shellTrainer(paths workspace.Paths, script string) *supervisor.Supervisor {
	return supervisor.New(supervisor.Config{
		Command: []string{"sh", "-c", `for a in "$@"; do echo "$a"; done; ` + script, "trainer"},
		LogDir:  paths.Logs,
		Env:     []string{"OUT=" + paths.Output},
	}, nil)
}

type recordingPublisher struct {
	files  map[string]string
	signed map[string]string
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, files, signed map[string]string) (map[string]string, error) {
	p.files = files
	p.signed = signed
	if p.err != nil {
		return nil, p.err
	}
	out := make(map[string]string, len(files))
	for k, v := range files {
		out[k] = v
	}
	return out, nil
}

func TestHandle_ScenarioA_ExtractsTrainsSucceeds(t *testing.T) {
	requireTools(t, "sh", "unzip")
	srv := datasetServer(t)
	paths := workspace.New(t.TempDir())
	store := jobregistry.NewStore(paths.Jobs)
	pub := &recordingPublisher{}

	h := New(paths, dataset.New(paths), shellTrainer(paths, `echo weights > "$OUT/model.safetensors"`), pub, WithRegistry(store))

	req := decodeRequest(t, `{"dataset_url": "`+srv.URL+`/data.zip", "config": {"num_epochs": 3, "use_ema": true}}`)
	res := h.Handle(context.Background(), "job-a", req)

	require.Empty(t, res.Error, res.Traceback)
	assert.Equal(t, StatusSuccess, res.Status)
	require.NotNil(t, res.Output)
	assert.FileExists(t, filepath.Join(paths.Dataset, "images", "001.png"))

	assert.Equal(t, "--train_data_dir\n"+paths.Dataset+"\n--output_dir\n"+paths.Output+"\n--num_epochs\n3\n--use_ema",
		res.Output.LogSummary)

	assert.Contains(t, pub.files, "model.safetensors")
	assert.Len(t, pub.files, 2)
	assert.Equal(t, pub.files, res.Output.Files)
	assert.FileExists(t, filepath.Join(paths.Config, "config.json"))
	assert.NoFileExists(t, filepath.Join(paths.Config, "dataloader.json"))

	rec, err := store.Get("job-a")
	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateSucceeded, rec.State)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)
	assert.Equal(t, 2, rec.Files)
	assert.NotNil(t, rec.EndedAt)
}

func TestHandle_ScenarioB_MissingDatasetTouchesNothing(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ws")
	paths := workspace.New(root)
	h := New(paths, dataset.New(paths), shellTrainer(paths, "true"), &recordingPublisher{},
		WithRegistry(jobregistry.NewStore(paths.Jobs)))

	res := h.Handle(context.Background(), "job-b", decodeRequest(t, `{"config": {"num_epochs": 3}}`))

	assert.Equal(t, Result{Error: ErrMissingDataset}, res)
	b, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error": "No dataset_url provided in the input"}`, string(b))
	assert.NoDirExists(t, root)
}

func TestHandle_ScenarioC_TrainingKilledStillPublishesLog(t *testing.T) {
	requireTools(t, "sh", "unzip")
	srv := datasetServer(t)
	paths := workspace.New(t.TempDir())
	store := jobregistry.NewStore(paths.Jobs)
	pub := &recordingPublisher{}

	trainer := supervisor.New(supervisor.Config{
		Command: []string{"sh", "-c", `echo "epoch 1"; echo "CUDA out of memory"; kill -9 $$`},
		LogDir:  paths.Logs,
	}, nil)
	h := New(paths, dataset.New(paths), trainer, pub, WithRegistry(store))

	res := h.Handle(context.Background(), "job-c", decodeRequest(t, `{"dataset_url": "`+srv.URL+`/data.zip", "config": {}}`))

	assert.Equal(t, StatusError, res.Status)
	assert.Empty(t, res.Error)
	require.NotNil(t, res.Output)
	assert.Equal(t, "epoch 1\nCUDA out of memory", res.Output.LogSummary)

	require.Len(t, res.Output.Files, 1)
	for name, path := range res.Output.Files {
		assert.Regexp(t, `^training_\d+(_\d+)?\.log$`, name)
		assert.Equal(t, filepath.Join(paths.Logs, name), path)
	}

	rec, err := store.Get("job-c")
	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateFailed, rec.State)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 137, *rec.ExitCode)
}

func TestHandle_AcquisitionFailure(t *testing.T) {
	srv := datasetServer(t)
	paths := workspace.New(t.TempDir())
	store := jobregistry.NewStore(paths.Jobs)
	h := New(paths, dataset.New(paths), shellTrainer(paths, "true"), &recordingPublisher{}, WithRegistry(store))

	res := h.Handle(context.Background(), "job-d", Request{DatasetURL: srv.URL + "/missing.zip"})

	assert.Equal(t, Result{Error: ErrAcquisition}, res)
	rec, err := store.Get("job-d")
	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateFailed, rec.State)
	assert.Equal(t, ErrAcquisition, rec.Error)
}

type fixedAcquirer string

func (a fixedAcquirer) Acquire(context.Context, string, bool) (string, error) {
	return string(a), nil
}

type trainerFunc func(ctx context.Context, args []string) *supervisor.Result

func (f trainerFunc) Run(ctx context.Context, args []string) *supervisor.Result { return f(ctx, args) }

func okTrainer(lines ...string) trainerFunc {
	return func(context.Context, []string) *supervisor.Result {
		return &supervisor.Result{Succeeded: true, Lines: lines}
	}
}

func TestHandle_PublishErrorCarriesTraceback(t *testing.T) {
	paths := workspace.New(t.TempDir())
	pub := &recordingPublisher{err: errors.New("zip: exit status 2")}
	h := New(paths, fixedAcquirer(paths.Dataset), okTrainer("done"), pub)

	res := h.Handle(context.Background(), "job-e", Request{DatasetURL: "s3://bucket/data.zip"})

	assert.Empty(t, res.Status)
	assert.Nil(t, res.Output)
	assert.Equal(t, "publish outputs: zip: exit status 2", res.Error)
	assert.Contains(t, res.Traceback, "publish outputs")
	assert.Contains(t, res.Traceback, "jobhandler")
}

func TestHandle_PanicIsRecovered(t *testing.T) {
	paths := workspace.New(t.TempDir())
	store := jobregistry.NewStore(paths.Jobs)
	boom := trainerFunc(func(context.Context, []string) *supervisor.Result { panic("boom") })
	h := New(paths, fixedAcquirer(paths.Dataset), boom, &recordingPublisher{}, WithRegistry(store))

	res := h.Handle(context.Background(), "job-f", Request{DatasetURL: "s3://bucket/data.zip"})

	assert.Equal(t, "boom", res.Error)
	assert.Contains(t, res.Traceback, "goroutine")
	rec, err := store.Get("job-f")
	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateFailed, rec.State)
}

func TestHandle_LogSummaryIsTail(t *testing.T) {
	paths := workspace.New(t.TempDir())
	var lines []string
	for i := 1; i <= 25; i++ {
		lines = append(lines, "line "+strconv.Itoa(i))
	}

	res := New(paths, fixedAcquirer(paths.Dataset), okTrainer(lines...), &recordingPublisher{}).
		Handle(context.Background(), "job-g", Request{DatasetURL: "s3://b/k"})
	require.NotNil(t, res.Output)
	assert.Equal(t, "line 6", res.Output.LogSummary[:len("line 6")])
	assert.Contains(t, res.Output.LogSummary, "line 25")
	assert.NotContains(t, res.Output.LogSummary, "line 5\n")

	empty := New(paths, fixedAcquirer(paths.Dataset), okTrainer(), &recordingPublisher{}).
		Handle(context.Background(), "job-h", Request{DatasetURL: "s3://b/k"})
	require.NotNil(t, empty.Output)
	assert.Equal(t, NoLogs, empty.Output.LogSummary)
}

func TestHandle_DataloaderArtifactIsPassedByPath(t *testing.T) {
	paths := workspace.New(t.TempDir())
	var got []string
	capture := trainerFunc(func(_ context.Context, args []string) *supervisor.Result {
		got = args
		return &supervisor.Result{Succeeded: true}
	})
	req := decodeRequest(t, `{"dataset_url": "s3://b/k", "config": {"lr": 0.0001},
		"dataloader": [{"id": "images", "type": "local"}, {"id": "embeds", "dataset_type": "text_embeds"}]}`)

	res := New(paths, fixedAcquirer(paths.Dataset), capture, &recordingPublisher{}).Handle(context.Background(), "job-i", req)
	require.Empty(t, res.Error)

	dl := filepath.Join(paths.Config, "dataloader.json")
	assert.Equal(t, []string{
		"--train_data_dir", paths.Dataset,
		"--output_dir", paths.Output,
		"--lr", "0.0001",
		"--dataloader_config", dl,
	}, got)
	data, err := os.ReadFile(dl)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id": "images", "type": "local"}, {"id": "embeds", "dataset_type": "text_embeds"}]`, string(data))
}

func TestHandle_SignedURLsReachPublisher(t *testing.T) {
	paths := workspace.New(t.TempDir())
	pub := &recordingPublisher{}
	req := decodeRequest(t, `{"dataset_url": "s3://b/k", "config": {}, "signed_urls": {"model.bin": "https://x/model.bin?sig=1"}}`)

	New(paths, fixedAcquirer(paths.Dataset), okTrainer("ok"), pub).Handle(context.Background(), "job-j", req)

	assert.Equal(t, map[string]string{"model.bin": "https://x/model.bin?sig=1"}, pub.signed)
}

func TestHandle_SerializesJobs(t *testing.T) {
	paths := workspace.New(t.TempDir())
	var inflight, peak int32
	slow := trainerFunc(func(context.Context, []string) *supervisor.Result {
		n := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		return &supervisor.Result{Succeeded: true}
	})
	h := New(paths, fixedAcquirer(paths.Dataset), slow, &recordingPublisher{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.Handle(context.Background(), "job-"+strconv.Itoa(i), Request{DatasetURL: "s3://b/k"})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestHandle_BundlesWithoutSignedURLs(t *testing.T) {
	requireTools(t, "sh", "unzip", "zip")
	srv := datasetServer(t)
	paths := workspace.New(t.TempDir())
	pub := publish.NewPublisher(nil, paths.Output, paths.BundlePath(), nil)
	h := New(paths, dataset.New(paths), shellTrainer(paths, `echo w > "$OUT/model.bin"`), pub)

	res := h.Handle(context.Background(), "job-k", Request{DatasetURL: srv.URL + "/data.zip"})

	require.Empty(t, res.Error, res.Traceback)
	require.NotNil(t, res.Output)
	assert.Equal(t, map[string]string{publish.BundleKey: paths.BundlePath()}, res.Output.Files)

	zr, err := zip.OpenReader(paths.BundlePath())
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "model.bin")
	_, err = os.Stat(paths.BundlePath())
	assert.NoError(t, err)
}
