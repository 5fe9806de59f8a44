package training

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/tsawler/sleepstage/checkpoints"
	"github.com/tsawler/sleepstage/dataset"
	"github.com/tsawler/sleepstage/device"
	"github.com/tsawler/sleepstage/hparams"
	"github.com/tsawler/sleepstage/model"
	"github.com/tsawler/sleepstage/project"
	"github.com/tsawler/sleepstage/queue"
	"github.com/tsawler/sleepstage/sequence"
	"github.com/tsawler/sleepstage/store"
)

// ErrConflictingModes is returned when mutually exclusive run modes are
// requested together.
var ErrConflictingModes = errors.New("conflicting modes")

// ErrPreviousSession is returned when the model directory holds artifacts
// from a prior session and neither overwrite nor continued training was
// requested.
var ErrPreviousSession = errors.New("model directory holds files from a previous session")

// Args holds the validated run parameters of one training invocation.
type Args struct {
	Datasets   []string
	NoVal      bool
	TrainOnVal bool
	Just       int

	TrainQueueType        string
	ValQueueType          string
	MaxLoadedPerDataset   int
	NumAccessBeforeReload int
	Preprocessed          bool

	ContinueTraining bool
	InitializeFrom   string
	Overwrite        bool

	NEpochs                 int
	Channels                []string
	MaxTrainSamplesPerEpoch int
	FinalWeightsFileName    string

	NumDevices   int
	ForceDevices string

	// Seed fixes the random source for dataset truncation, queue eviction
	// and batch sampling. Zero selects a time-based seed.
	Seed int64

	// MetricsPort exposes the monitor registry over HTTP when non-zero.
	MetricsPort int
}

// Validate implements the configuration checks that must pass before any
// filesystem or model mutation occurs. The offending flag is named in the
// error.
func (a *Args) Validate() error {
	if a.ContinueTraining && a.InitializeFrom != "" {
		return fmt.Errorf("%w: --continue_training and --initialize_from must not both be set", ErrConflictingModes)
	}
	if a.MaxTrainSamplesPerEpoch < 1 {
		return fmt.Errorf("--max_train_samples_per_epoch must be >= 1, got %d", a.MaxTrainSamplesPerEpoch)
	}
	if a.NEpochs != 0 && a.NEpochs < 1 {
		return fmt.Errorf("--n_epochs must be >= 1, got %d", a.NEpochs)
	}
	if a.Just < 0 {
		return fmt.Errorf("--just must be >= 0, got %d", a.Just)
	}
	if a.FinalWeightsFileName == "" {
		a.FinalWeightsFileName = "model_weights.json"
	}
	return nil
}

// Session ties together dataset resolution, queue and generator
// construction, model building and the fit loop for one invocation. A
// session is transient: created per invocation and terminated at fit
// completion or on the first error, with cleanup on every exit path.
type Session struct {
	projectDir string
	args       Args
	runID      string
	rng        *rand.Rand

	prepared bool

	monitor *Monitor
	st      *store.Store
}

// NewSession creates a session rooted at the given project directory.
func NewSession(projectDir string, args Args) *Session {
	seed := args.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Session{
		projectDir: projectDir,
		args:       args,
		runID:      uuid.NewString(),
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// RunID returns the unique identifier stamped into this session's logs and
// checkpoints.
func (s *Session) RunID() string {
	return s.runID
}

// Run executes the pipeline:
//
//	INIT -> RESOLVE_DATASETS -> BUILD_QUEUES -> BUILD_GENERATORS ->
//	UPDATE_HPARAMS -> (RESUME | FRESH) -> BUILD_MODEL ->
//	LOAD_WEIGHTS -> COMPILE -> FIT -> SAVE_WEIGHTS -> DONE
//
// with the continued-training checkpoint located before any queue is
// constructed. Cleanup (monitor, store) runs on every exit path and never
// masks the original error.
func (s *Session) Run() (err error) {
	if err := s.Prepare(); err != nil {
		return err
	}

	defer func() {
		cerr := s.cleanup()
		if err == nil {
			err = cerr
		} else if cerr != nil {
			slog.Error("cleanup failed after earlier error", "error", cerr)
		}
	}()

	hp, err := s.loadHParams()
	if err != nil {
		return err
	}

	// RESUME branch: locate the checkpoint before queues are built so a
	// missing checkpoint fails without loading any data.
	initWeights := s.args.InitializeFrom
	startEpoch := 0
	var resumed *checkpoints.Checkpoint
	if s.args.ContinueTraining {
		latest, err := checkpoints.FindLatest(project.ModelDir(s.projectDir))
		if err != nil {
			return err
		}
		resumed, err = checkpoints.Load(latest)
		if err != nil {
			return err
		}
		startEpoch = resumed.TrainingState.Epoch + 1
		slog.Info("resuming training", "checkpoint", latest, "start_epoch", startEpoch)
	}

	s.monitor = NewMonitor(30 * time.Second)
	s.monitor.Start()
	s.monitor.Expose(s.args.MetricsPort)

	trainSets, valSets, loader, err := s.resolveDatasets(hp)
	if err != nil {
		return err
	}

	trainQueues, valQueues, err := s.buildQueues(trainSets, valSets, loader)
	if err != nil {
		return err
	}

	trainSeq, valSeq, err := s.buildGenerators(hp, trainQueues, valQueues)
	if err != nil {
		return err
	}

	// Derived values the model build depends on
	if err := hp.Set("/build/n_classes", trainSeq.NumClasses(), true); err != nil {
		return err
	}
	if err := hp.Set("/build/batch_shape", trainSeq.BatchShape(), true); err != nil {
		return err
	}
	if err := hp.Save(); err != nil {
		return err
	}

	if s.args.ForceDevices != "" {
		if err := device.Force(s.args.ForceDevices); err != nil {
			return err
		}
	}
	devices, err := device.CheckCount(s.args.NumDevices)
	if err != nil {
		return err
	}
	slog.Info("device check passed", "devices", devices, "run_id", s.runID)

	m, err := model.Build(hp, s.rng)
	if err != nil {
		return err
	}
	if resumed != nil {
		if err := m.SetWeights(resumed.Weights); err != nil {
			return fmt.Errorf("failed to restore checkpoint weights: %w", err)
		}
	} else if initWeights != "" {
		cp, err := checkpoints.Load(initWeights)
		if err != nil {
			return fmt.Errorf("failed to load initial weights from %s: %w", initWeights, err)
		}
		if err := m.SetWeights(cp.Weights); err != nil {
			return fmt.Errorf("failed to apply initial weights: %w", err)
		}
		slog.Info("initialized model weights", "from", initWeights)
	}

	return s.fit(hp, m, trainSeq, valSeq, startEpoch)
}

// Prepare validates the arguments, asserts the project layout and applies
// the overwrite rules: a plain overwrite purges the previous session, while
// combining it with continued training keeps checkpoints. Run calls Prepare
// itself; callers that open files under the project's log directory must
// call it first, since purging removes that directory. Idempotent.
func (s *Session) Prepare() error {
	if s.prepared {
		return nil
	}
	if err := s.args.Validate(); err != nil {
		return err
	}

	modelDirEmpty, err := project.AssertProjectDir(s.projectDir)
	if err != nil {
		return err
	}

	if s.args.Overwrite && !s.args.ContinueTraining {
		if err := project.RemovePreviousSession(s.projectDir); err != nil {
			return err
		}
	} else if !modelDirEmpty && !s.args.ContinueTraining {
		return fmt.Errorf("%w: pass --overwrite to purge it or --continue_training to resume", ErrPreviousSession)
	}

	if err := project.InitSessionDirs(s.projectDir); err != nil {
		return err
	}
	s.prepared = true
	return nil
}

func (s *Session) loadHParams() (*hparams.HParams, error) {
	path := project.HParamsPath(s.projectDir)
	if s.args.Preprocessed {
		path = project.PreProcessedHParamsPath(s.projectDir)
	}
	hp, err := hparams.Load(path)
	if err != nil {
		return nil, err
	}

	// CLI overrides: per-dataset sub-configs are saved individually before
	// the top-level save.
	if len(s.args.Channels) > 0 {
		if err := hparams.SetChannels(hp, s.args.Channels); err != nil {
			return nil, err
		}
	}
	if s.args.NEpochs > 0 {
		if err := hp.Set("/fit/n_epochs", s.args.NEpochs, true); err != nil {
			return nil, err
		}
	}
	if err := hp.Save(); err != nil {
		return nil, err
	}
	return hp, nil
}

func (s *Session) resolveDatasets(hp *hparams.HParams) ([]*dataset.Dataset, []*dataset.Dataset, queue.StudyLoader, error) {
	opts := dataset.Options{
		AllowList:  s.args.Datasets,
		NoVal:      s.args.NoVal,
		TrainOnVal: s.args.TrainOnVal,
	}

	var trainSets, valSets []*dataset.Dataset
	var loader queue.StudyLoader
	var err error
	if s.args.Preprocessed {
		s.st, err = store.Open(project.StorePath(s.projectDir))
		if err != nil {
			return nil, nil, nil, err
		}
		trainSets, valSets, err = dataset.ResolveFromSource(hp, s.st, opts)
		loader = s.st
	} else {
		trainSets, valSets, err = dataset.Resolve(hp, opts)
		loader = dataset.NewRawLoader()
	}
	if err != nil {
		return nil, nil, nil, err
	}

	if s.args.Just > 0 {
		slog.Info("keeping n random studies per dataset", "n", s.args.Just)
		for _, d := range trainSets {
			d.KeepNRandom(s.args.Just, s.rng)
		}
		for _, d := range valSets {
			d.KeepNRandom(s.args.Just, s.rng)
		}
	}
	return trainSets, valSets, loader, nil
}

func (s *Session) buildQueues(trainSets, valSets []*dataset.Dataset, loader queue.StudyLoader) ([]queue.Queue, []queue.Queue, error) {
	trainType := queue.Type(s.args.TrainQueueType)
	valType := queue.Type(s.args.ValQueueType)
	if s.args.Preprocessed {
		// The store streams from disk; eager residency is just decoded
		// studies, so the eager queue is always used.
		trainType, valType = queue.Eager, queue.Eager
	}

	trainQueues, err := queue.New(trainSets, queue.Config{
		Type:                  trainType,
		MaxLoadedPerDataset:   s.args.MaxLoadedPerDataset,
		NumAccessBeforeReload: s.args.NumAccessBeforeReload,
		Loader:                loader,
		Rand:                  s.rng,
	})
	if err != nil {
		return nil, nil, err
	}

	var valQueues []queue.Queue
	if len(valSets) > 0 {
		// Validation queues share the training queues' loader reference so
		// on-disk read state never diverges.
		valQueues, err = queue.New(valSets, queue.Config{
			Type:                  valType,
			MaxLoadedPerDataset:   s.args.MaxLoadedPerDataset,
			NumAccessBeforeReload: s.args.NumAccessBeforeReload,
			Loader:                trainQueues[0].Loader(),
			Rand:                  s.rng,
		})
		if err != nil {
			return nil, nil, err
		}
	}
	return trainQueues, valQueues, nil
}

func (s *Session) buildGenerators(hp *hparams.HParams, trainQueues, valQueues []queue.Queue) (*sequence.Generator, *sequence.Generator, error) {
	batchSize, err := hp.GetInt("/fit/batch_size")
	if err != nil {
		return nil, nil, err
	}
	pps := 1
	if v, err := hp.GetInt("/fit/periods_per_sample"); err == nil {
		pps = v
	}

	cfg := sequence.Config{BatchSize: batchSize, PeriodsPerSample: pps, Rand: s.rng}
	trainSeq, err := sequence.New(trainQueues, cfg)
	if err != nil {
		return nil, nil, err
	}

	var valSeq *sequence.Generator
	if len(valQueues) > 0 {
		valSeq, err = sequence.New(valQueues, cfg)
		if err != nil {
			return nil, nil, err
		}
	}
	return trainSeq, valSeq, nil
}

func (s *Session) fit(hp *hparams.HParams, m model.Model, trainSeq, valSeq *sequence.Generator, startEpoch int) error {
	nEpochs, err := hp.GetInt("/fit/n_epochs")
	if err != nil {
		return err
	}

	modelDir := project.ModelDir(s.projectDir)
	trainBatches := trainSeq.BatchesPerEpoch(s.args.MaxTrainSamplesPerEpoch)
	valBatches := 0
	if valSeq != nil {
		valBatches = valSeq.BatchesPerEpoch(s.args.MaxTrainSamplesPerEpoch/5 + 1)
	}

	trainer := NewTrainer(m)
	err = trainer.Fit(trainSeq, valSeq, FitConfig{
		Epochs:               nEpochs,
		StartEpoch:           startEpoch,
		TrainBatchesPerEpoch: trainBatches,
		ValBatchesPerEpoch:   valBatches,
		OnEpochEnd: func(em EpochMetrics) error {
			cp := s.checkpointFrom(hp, m, trainer, em)
			return checkpoints.Save(cp, checkpoints.Path(modelDir, em.Epoch))
		},
	})
	if err != nil {
		return err
	}

	lastEpoch := nEpochs - 1
	final := s.checkpointFrom(hp, m, trainer, EpochMetrics{Epoch: lastEpoch})
	path, err := checkpoints.SaveFinal(modelDir, s.args.FinalWeightsFileName, final)
	if err != nil {
		return err
	}
	slog.Info("saved final weights", "path", path, "run_id", s.runID)
	return nil
}

func (s *Session) checkpointFrom(hp *hparams.HParams, m model.Model, trainer *Trainer, em EpochMetrics) *checkpoints.Checkpoint {
	batchShape, _ := hp.GetIntSlice("/build/batch_shape")
	return &checkpoints.Checkpoint{
		NClasses:   m.NumClasses(),
		BatchShape: batchShape,
		Weights:    m.Weights(),
		TrainingState: checkpoints.TrainingState{
			Epoch:     em.Epoch,
			TrainLoss: em.TrainLoss,
			ValLoss:   em.ValLoss,
			BestLoss:  trainer.BestLoss(),
		},
		Metadata: checkpoints.Metadata{RunID: s.runID},
	}
}

// cleanup releases session resources. It runs on every exit path.
func (s *Session) cleanup() error {
	if s.monitor != nil {
		s.monitor.Stop()
	}
	if s.st != nil {
		if err := s.st.Close(); err != nil {
			return fmt.Errorf("failed to close pre-processed store: %w", err)
		}
		s.st = nil
	}
	return nil
}
