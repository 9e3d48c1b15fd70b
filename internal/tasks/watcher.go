package tasks

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"burstfuse/internal/imageio"
)

// BurstEvent announces a burst directory that has stopped changing.
type BurstEvent struct {
	Dir  string    `json:"dir"`
	Time time.Time `json:"time"`
}

// BurstWatcher monitors an inbox directory. Each new subdirectory is
// watched too, and once a burst inside it has been quiet for Settle it is
// reported on Events.
type BurstWatcher struct {
	watcher *fsnotify.Watcher
	Events  chan BurstEvent
	root    string
	settle  time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	seen    map[string]bool
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewBurstWatcher creates a watcher for root.
func NewBurstWatcher(root string, settle time.Duration, logger *slog.Logger) (*BurstWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if settle <= 0 {
		settle = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BurstWatcher{
		watcher: w,
		Events:  make(chan BurstEvent, 100),
		root:    root,
		settle:  settle,
		logger:  logger,
		pending: make(map[string]*time.Timer),
		seen:    make(map[string]bool),
		done:    make(chan struct{}),
	}, nil
}

// Start begins monitoring. Bursts already present in the inbox are not
// reported.
func (bw *BurstWatcher) Start() error {
	if err := bw.watcher.Add(bw.root); err != nil {
		return err
	}
	entries, err := os.ReadDir(bw.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			dir := filepath.Join(bw.root, e.Name())
			bw.seen[dir] = true
			_ = bw.watcher.Add(dir)
		}
	}
	bw.logger.Info("Watching burst inbox", "dir", bw.root, "settle", bw.settle)

	bw.wg.Add(1)
	go bw.processEvents()
	return nil
}

// Stop stops the watcher and closes Events.
func (bw *BurstWatcher) Stop() error {
	close(bw.done)
	err := bw.watcher.Close()
	bw.wg.Wait()
	bw.mu.Lock()
	defer bw.mu.Unlock()
	for dir, t := range bw.pending {
		t.Stop()
		delete(bw.pending, dir)
	}
	bw.closed = true
	close(bw.Events)
	return err
}

func (bw *BurstWatcher) processEvents() {
	defer bw.wg.Done()
	for {
		select {
		case event, ok := <-bw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			bw.handle(event.Name, event.Op)

		case err, ok := <-bw.watcher.Errors:
			if !ok {
				return
			}
			bw.logger.Warn("Burst watcher error", "error", err)

		case <-bw.done:
			return
		}
	}
}

func (bw *BurstWatcher) handle(path string, op fsnotify.Op) {
	dir := filepath.Dir(path)
	if filepath.Clean(dir) == filepath.Clean(bw.root) {
		st, err := os.Stat(path)
		if err != nil || !st.IsDir() || op&fsnotify.Create == 0 {
			return
		}
		if err := bw.watcher.Add(path); err != nil {
			bw.logger.Warn("Cannot watch burst directory", "dir", path, "error", err)
			return
		}
		// files may have landed before the watch was added
		bw.schedule(path)
		return
	}
	if filepath.Clean(filepath.Dir(dir)) != filepath.Clean(bw.root) {
		return
	}
	bw.schedule(dir)
}

// schedule restarts the settle timer of dir.
func (bw *BurstWatcher) schedule(dir string) {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if bw.closed || bw.seen[dir] {
		return
	}
	if t, ok := bw.pending[dir]; ok {
		t.Reset(bw.settle)
		return
	}
	bw.pending[dir] = time.AfterFunc(bw.settle, func() { bw.fire(dir) })
}

func (bw *BurstWatcher) fire(dir string) {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	delete(bw.pending, dir)
	if bw.closed || bw.seen[dir] || !imageio.IsBurstDir(dir) {
		return
	}
	bw.seen[dir] = true

	select {
	case bw.Events <- BurstEvent{Dir: dir, Time: time.Now()}:
	default:
		bw.logger.Warn("Burst event buffer full, dropping", "dir", dir)
	}
}
