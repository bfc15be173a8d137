package step_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kiranshivaraju/prepline/internal/blob"
	"github.com/kiranshivaraju/prepline/internal/clean"
	"github.com/kiranshivaraju/prepline/internal/split"
	"github.com/kiranshivaraju/prepline/internal/step"
	"github.com/kiranshivaraju/prepline/internal/store"
	"github.com/kiranshivaraju/prepline/internal/table"
	"github.com/kiranshivaraju/prepline/internal/tracking"
	"github.com/kiranshivaraju/prepline/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const project = "nyc_airbnb"

type harness struct {
	svc      *tracking.Service
	registry *store.FileStore
	workRoot string
	dataDir  string
	logger   *slog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	reg, err := store.NewFileStore(filepath.Join(root, "registry"))
	require.NoError(t, err)
	blobs, err := blob.NewFSStore(filepath.Join(root, "blobs"))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dataDir := filepath.Join(root, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0o755))

	return &harness{
		svc:      tracking.NewService(reg, blobs, tracking.WithLogger(logger)),
		registry: reg,
		workRoot: filepath.Join(root, "runs"),
		dataDir:  dataDir,
		logger:   logger,
	}
}

func (h *harness) begin(t *testing.T, jobType string, args any) *step.Env {
	t.Helper()
	env, err := step.Begin(context.Background(), h.svc, step.Options{
		Project:  project,
		JobType:  jobType,
		WorkRoot: h.workRoot,
		Args:     args,
		Logger:   h.logger,
	})
	require.NoError(t, err)
	return env
}

// logFile uploads content under name as if a previous step had produced it.
func (h *harness) logFile(t *testing.T, name, fileName, content string) *models.Artifact {
	t.Helper()
	ctx := context.Background()
	run, err := h.svc.InitRun(ctx, project, "seed")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), fileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	a, err := h.svc.LogArtifact(ctx, run, models.ArtifactSpec{Name: name, Type: "raw_data"}, path)
	require.NoError(t, err)
	return a
}

func (h *harness) readArtifact(t *testing.T, ref string) (*models.Artifact, string) {
	t.Helper()
	ctx := context.Background()
	run, err := h.svc.InitRun(ctx, project, "inspect")
	require.NoError(t, err)
	a, err := h.svc.UseArtifact(ctx, run, ref)
	require.NoError(t, err)
	dir, err := h.svc.Download(ctx, a, t.TempDir())
	require.NoError(t, err)
	raw, err := os.ReadFile(filepath.Join(dir, a.FileName))
	require.NoError(t, err)
	return a, string(raw)
}

const listings = "id,name,price,minimum_nights,last_review\n" +
	"1,Cozy loft,50,1,2019-05-21\n" +
	"2,Park view,500,3,2019-06-01\n" +
	"3,Penthouse,5000,2,2019-07-01\n"

// --- Env ---

func TestBegin_RecordsRunAndConfig(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	env := h.begin(t, step.JobBasicCleaning, step.CleanArgs{
		InputArtifact: "sample.csv:latest",
		MinPrice:      10,
		MaxPrice:      350,
	})
	assert.DirExists(t, env.WorkDir)
	assert.Equal(t, filepath.Join(h.workRoot, env.Run.ID.String()), env.WorkDir)

	run, err := h.registry.GetRun(ctx, env.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, project, run.Project)
	assert.Equal(t, step.JobBasicCleaning, run.JobType)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.Equal(t, "sample.csv:latest", run.Config["input_artifact"])
	assert.Equal(t, float64(10), run.Config["min_price"])
	assert.Equal(t, float64(350), run.Config["max_price"])
	assert.Equal(t, "", run.Config["sample"])

	require.NoError(t, env.End(ctx, nil))
	run, err = h.registry.GetRun(ctx, env.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFinished, run.Status)
}

func TestEnd_FailedRunAndRunLog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	env := h.begin(t, step.JobDownloadFile, nil)
	env.Logger.Info("working")
	require.NoError(t, env.End(ctx, fmt.Errorf("boom")))

	run, err := h.registry.GetRun(ctx, env.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Equal(t, "boom", *run.ErrorMessage)

	raw, err := os.ReadFile(filepath.Join(env.WorkDir, "output.log"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"msg":"working"`)
	assert.Contains(t, string(raw), `"msg":"step failed"`)
	assert.Contains(t, string(raw), env.Run.ID.String())
}

func TestBegin_FansOutToBaseLogger(t *testing.T) {
	h := newHarness(t)
	var buf bytes.Buffer
	h.logger = slog.New(slog.NewTextHandler(&buf, nil))

	env := h.begin(t, step.JobDownloadFile, nil)
	env.Logger.Info("hello")
	require.NoError(t, env.End(context.Background(), nil))

	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "run_id="+env.Run.ID.String())
}

// --- Fetch ---

func TestFetch_UploadsSample(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(h.dataDir, "sample1.csv"), []byte(listings), 0o644))

	args := step.FetchArgs{
		Sample:              "sample1.csv",
		ArtifactName:        "sample.csv",
		ArtifactType:        "raw_data",
		ArtifactDescription: "Raw file as downloaded",
	}
	env := h.begin(t, step.JobDownloadFile, args)
	a, err := step.Fetch(ctx, env, args, h.dataDir)
	require.NoError(t, err)
	require.NoError(t, env.End(ctx, nil))

	assert.Equal(t, "sample.csv", a.Name)
	assert.Equal(t, "raw_data", a.Type)
	assert.Equal(t, "Raw file as downloaded", a.Description)
	assert.Equal(t, 0, a.Version)
	assert.Equal(t, env.Run.ID, a.RunID)

	_, content := h.readArtifact(t, "sample.csv:latest")
	assert.Equal(t, listings, content)

	run, err := h.registry.GetRun(ctx, env.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, "sample1.csv", run.Config["sample"])
	assert.Equal(t, "sample.csv", run.Config["artifact_name"])
}

func TestFetch_SecondUploadIsNewVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(h.dataDir, "sample1.csv"), []byte(listings), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(h.dataDir, "sample2.csv"), []byte("id,price\n1,10\n"), 0o644))

	for _, sample := range []string{"sample1.csv", "sample2.csv"} {
		args := step.FetchArgs{Sample: sample, ArtifactName: "sample.csv", ArtifactType: "raw_data"}
		env := h.begin(t, step.JobDownloadFile, args)
		_, err := step.Fetch(ctx, env, args, h.dataDir)
		require.NoError(t, err)
		require.NoError(t, env.End(ctx, nil))
	}

	latest, content := h.readArtifact(t, "sample.csv")
	assert.Equal(t, 1, latest.Version)
	assert.Equal(t, "sample2.csv", latest.FileName)
	assert.Equal(t, "id,price\n1,10\n", content)
}

func TestFetch_MissingSample(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	args := step.FetchArgs{Sample: "missing.csv", ArtifactName: "sample.csv", ArtifactType: "raw_data"}
	env := h.begin(t, step.JobDownloadFile, args)
	_, err := step.Fetch(ctx, env, args, h.dataDir)
	require.ErrorIs(t, err, os.ErrNotExist)
	require.NoError(t, env.End(ctx, err))

	versions, err := h.registry.ListArtifactVersions(ctx, project, "sample.csv")
	require.NoError(t, err)
	assert.Empty(t, versions)

	run, err := h.registry.GetRun(ctx, env.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
}

// --- Clean ---

func cleanArgs() step.CleanArgs {
	return step.CleanArgs{
		InputArtifact:             "sample.csv:latest",
		OutputArtifact:            "clean_sample.csv",
		OutputArtifactType:        "clean_sample",
		OutputArtifactDescription: "Data with outliers and null values removed",
		MinPrice:                  100,
		MaxPrice:                  1000,
	}
}

func TestClean_FiltersAndTransforms(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	input := h.logFile(t, "sample.csv", "sample1.csv", listings)

	args := cleanArgs()
	env := h.begin(t, step.JobBasicCleaning, args)
	a, err := step.Clean(ctx, env, args)
	require.NoError(t, err)
	require.NoError(t, env.End(ctx, nil))

	assert.Equal(t, "clean_sample.csv", a.Name)
	assert.Equal(t, "clean_sample", a.Type)
	assert.Equal(t, "clean_sample.csv", a.FileName)

	_, content := h.readArtifact(t, "clean_sample.csv:v0")
	want := "id,name,price,minimum_nights,last_review\n" +
		"2,Park view,500," + clean.FormatFloat(clean.Ln(3)) + ",2019-06-01\n"
	assert.Equal(t, want, content)

	inputs, err := h.registry.ListRunInputs(ctx, env.Run.ID)
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Equal(t, input.ID, inputs[0].ID)
}

func TestClean_ExplicitSampleName(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.logFile(t, "sample.csv", "sample1.csv", listings)

	args := cleanArgs()
	args.Sample = "sample1.csv"
	env := h.begin(t, step.JobBasicCleaning, args)
	_, err := step.Clean(ctx, env, args)
	require.NoError(t, err)
	require.NoError(t, env.End(ctx, nil))
}

func TestClean_CoercesBadDates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.logFile(t, "sample.csv", "sample1.csv",
		"id,price,minimum_nights,last_review\n1,150,1,not-a-date\n2,200,2,2019-01-02\n")

	args := cleanArgs()
	env := h.begin(t, step.JobBasicCleaning, args)
	_, err := step.Clean(ctx, env, args)
	require.NoError(t, err)
	require.NoError(t, env.End(ctx, nil))

	_, content := h.readArtifact(t, "clean_sample.csv")
	assert.Equal(t, "id,price,minimum_nights,last_review\n1,150,0.0,\n2,200,"+
		clean.FormatFloat(clean.Ln(2))+",2019-01-02\n", content)
}

func TestClean_MissingColumnUploadsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.logFile(t, "sample.csv", "sample1.csv", "id,price\n1,150\n")

	args := cleanArgs()
	env := h.begin(t, step.JobBasicCleaning, args)
	_, err := step.Clean(ctx, env, args)
	require.ErrorIs(t, err, table.ErrColumnNotFound)
	require.NoError(t, env.End(ctx, err))

	versions, err := h.registry.ListArtifactVersions(ctx, project, "clean_sample.csv")
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestClean_NonNumericPrice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.logFile(t, "sample.csv", "sample1.csv",
		"id,price,minimum_nights,last_review\n1,$150,1,2019-01-02\n")

	args := cleanArgs()
	env := h.begin(t, step.JobBasicCleaning, args)
	_, err := step.Clean(ctx, env, args)
	assert.ErrorIs(t, err, clean.ErrNonNumeric)
	require.NoError(t, env.End(ctx, err))
}

func TestClean_MissingInputArtifact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	args := cleanArgs()
	env := h.begin(t, step.JobBasicCleaning, args)
	_, err := step.Clean(ctx, env, args)
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, env.End(ctx, err))
}

func TestClean_OutputNamedLikeRunLog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.logFile(t, "sample.csv", "sample1.csv", listings)

	args := cleanArgs()
	args.OutputArtifact = "output.log"
	env := h.begin(t, step.JobBasicCleaning, args)
	a, err := step.Clean(ctx, env, args)
	require.NoError(t, err)
	require.NoError(t, env.End(ctx, nil))
	assert.Equal(t, "output.log", a.FileName)

	_, content := h.readArtifact(t, "output.log")
	assert.True(t, strings.HasPrefix(content, "id,name,price,minimum_nights,last_review\n"))

	runLog, err := os.ReadFile(filepath.Join(env.WorkDir, "output.log"))
	require.NoError(t, err)
	assert.Contains(t, string(runLog), `"msg":"step finished"`)
	assert.FileExists(t, filepath.Join(env.WorkDir, "outputs", "output.log"))
}

func TestClean_NestedOutputName(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.logFile(t, "sample.csv", "sample1.csv", listings)

	args := cleanArgs()
	args.OutputArtifact = "cleaned/clean_sample.csv"
	env := h.begin(t, step.JobBasicCleaning, args)
	a, err := step.Clean(ctx, env, args)
	require.NoError(t, err)
	require.NoError(t, env.End(ctx, nil))

	assert.Equal(t, "cleaned/clean_sample.csv", a.Name)
	assert.Equal(t, "clean_sample.csv", a.FileName)
	assert.FileExists(t, filepath.Join(env.WorkDir, "outputs", "cleaned", "clean_sample.csv"))
}

func TestOutputPath_RejectsEscapes(t *testing.T) {
	h := newHarness(t)
	env := h.begin(t, step.JobBasicCleaning, nil)
	defer env.End(context.Background(), nil)

	for _, name := range []string{"", "../clean.csv", "a/../../clean.csv"} {
		_, err := env.OutputPath(name)
		assert.Error(t, err, name)
	}

	p, err := env.OutputPath("a/b.csv")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.WorkDir, "outputs", "a", "b.csv"), p)
	assert.DirExists(t, filepath.Join(env.WorkDir, "outputs", "a"))
}

// --- Split ---

func cleanSample(n int) string {
	var b strings.Builder
	b.WriteString("id,neighbourhood_group,price\n")
	for i := 0; i < n; i++ {
		group := "Manhattan"
		if i%2 == 1 {
			group = "Brooklyn"
		}
		fmt.Fprintf(&b, "%d,%s,%d\n", i, group, 100+i)
	}
	return b.String()
}

func runSplit(t *testing.T, h *harness, args step.SplitArgs) []*models.Artifact {
	t.Helper()
	ctx := context.Background()
	env := h.begin(t, step.JobTrainValTestSplit, args)
	logged, err := step.Split(ctx, env, args)
	require.NoError(t, err)
	require.NoError(t, env.End(ctx, nil))
	return logged
}

func TestSplit_Unstratified(t *testing.T) {
	h := newHarness(t)
	h.logFile(t, "clean_sample.csv", step.CleanSampleFile, cleanSample(100))

	logged := runSplit(t, h, step.SplitArgs{
		Input: "clean_sample.csv:latest", TestSize: 0.2, RandomSeed: 42, StratifyBy: split.NoStratification,
	})
	require.Len(t, logged, 2)
	assert.Equal(t, "trainval_data.csv", logged[0].Name)
	assert.Equal(t, "trainval_data", logged[0].Type)
	assert.Equal(t, "trainval split of dataset", logged[0].Description)
	assert.Equal(t, "test_data.csv", logged[1].Name)
	assert.Equal(t, "test_data", logged[1].Type)
	assert.Equal(t, "test split of dataset", logged[1].Description)

	_, trainRaw := h.readArtifact(t, "trainval_data.csv")
	_, testRaw := h.readArtifact(t, "test_data.csv")
	train, err := table.Read(strings.NewReader(trainRaw))
	require.NoError(t, err)
	test, err := table.Read(strings.NewReader(testRaw))
	require.NoError(t, err)
	assert.Equal(t, 80, train.Len())
	assert.Equal(t, 20, test.Len())

	ids := map[string]bool{}
	for _, row := range append(train.Rows, test.Rows...) {
		assert.False(t, ids[row[0]], "row %s in both subsets", row[0])
		ids[row[0]] = true
	}
	assert.Len(t, ids, 100)
}

func TestSplit_Stratified(t *testing.T) {
	h := newHarness(t)
	h.logFile(t, "clean_sample.csv", step.CleanSampleFile, cleanSample(100))

	runSplit(t, h, step.SplitArgs{
		Input: "clean_sample.csv", TestSize: 0.2, RandomSeed: 42, StratifyBy: "neighbourhood_group",
	})

	_, testRaw := h.readArtifact(t, "test_data.csv")
	test, err := table.Read(strings.NewReader(testRaw))
	require.NoError(t, err)
	groups, err := test.Column("neighbourhood_group")
	require.NoError(t, err)

	counts := map[string]int{}
	for _, g := range groups {
		counts[g]++
	}
	assert.Equal(t, map[string]int{"Manhattan": 10, "Brooklyn": 10}, counts)
}

func TestSplit_SameSeedSameOutput(t *testing.T) {
	h := newHarness(t)
	h.logFile(t, "clean_sample.csv", step.CleanSampleFile, cleanSample(50))
	args := step.SplitArgs{Input: "clean_sample.csv:v0", TestSize: 0.3, RandomSeed: 7, StratifyBy: "none"}

	first := runSplit(t, h, args)
	second := runSplit(t, h, args)
	assert.Equal(t, first[0].Digest, second[0].Digest)
	assert.Equal(t, first[1].Digest, second[1].Digest)
	assert.Equal(t, 1, second[0].Version)
}

func TestSplit_MissingStratifyColumn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.logFile(t, "clean_sample.csv", step.CleanSampleFile, cleanSample(20))

	args := step.SplitArgs{Input: "clean_sample.csv", TestSize: 0.2, RandomSeed: 42, StratifyBy: "room_type"}
	env := h.begin(t, step.JobTrainValTestSplit, args)
	_, err := step.Split(ctx, env, args)
	require.ErrorIs(t, err, table.ErrColumnNotFound)
	require.NoError(t, env.End(ctx, err))

	for _, name := range []string{"trainval_data.csv", "test_data.csv"} {
		versions, err := h.registry.ListArtifactVersions(ctx, project, name)
		require.NoError(t, err)
		assert.Empty(t, versions)
	}
}

func TestSplit_InputWithoutCleanSample(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.logFile(t, "clean_sample.csv", "other.csv", cleanSample(20))

	args := step.SplitArgs{Input: "clean_sample.csv", TestSize: 0.2, RandomSeed: 42, StratifyBy: "none"}
	env := h.begin(t, step.JobTrainValTestSplit, args)
	_, err := step.Split(ctx, env, args)
	require.ErrorIs(t, err, os.ErrNotExist)
	require.NoError(t, env.End(ctx, err))
}

// --- Pipeline ---

func TestPipeline_FetchCleanSplit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var b strings.Builder
	b.WriteString("id,neighbourhood_group,price,minimum_nights,last_review\n")
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, "%d,Queens,%d,%d,2019-0%d-15\n", i, 50+i*10, 1+i%5, 1+i%9)
	}
	require.NoError(t, os.WriteFile(filepath.Join(h.dataDir, "sample1.csv"), []byte(b.String()), 0o644))

	fetchArgs := step.FetchArgs{Sample: "sample1.csv", ArtifactName: "sample.csv", ArtifactType: "raw_data"}
	env := h.begin(t, step.JobDownloadFile, fetchArgs)
	_, err := step.Fetch(ctx, env, fetchArgs, h.dataDir)
	require.NoError(t, err)
	require.NoError(t, env.End(ctx, nil))

	args := cleanArgs()
	args.MinPrice, args.MaxPrice = 100, 350
	env = h.begin(t, step.JobBasicCleaning, args)
	cleaned, err := step.Clean(ctx, env, args)
	require.NoError(t, err)
	require.NoError(t, env.End(ctx, nil))

	logged := runSplit(t, h, step.SplitArgs{Input: "clean_sample.csv:latest", TestSize: 0.2, RandomSeed: 42, StratifyBy: "none"})

	// Prices 100..350 in steps of 10 keep ids 5..30.
	_, trainRaw := h.readArtifact(t, "trainval_data.csv")
	_, testRaw := h.readArtifact(t, "test_data.csv")
	train, err := table.Read(strings.NewReader(trainRaw))
	require.NoError(t, err)
	test, err := table.Read(strings.NewReader(testRaw))
	require.NoError(t, err)
	assert.Equal(t, 26, train.Len()+test.Len())
	assert.Equal(t, 6, test.Len())

	inputs, err := h.registry.ListRunInputs(ctx, logged[0].RunID)
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Equal(t, cleaned.ID, inputs[0].ID)
}
