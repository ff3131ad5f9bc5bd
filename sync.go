package cdnupload

import (
	"errors"
	"mime"
	"path"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Result summarizes one Upload or Delete run. Scanned counts decisions made
// (source files for uploads, destination keys for deletes), Processed counts
// operations performed (or that would be performed in a dry run), and Errors
// counts per-key failures tolerated by ContinueOnErrors.
type Result struct {
	SourceKeyMap    map[string]string
	DestinationKeys map[string]bool
	Scanned         int
	Processed       int
	Errors          int
}

// Options control a single Upload or Delete run.
type Options struct {
	// Force uploads files whose key already exists at the destination, or
	// skips the delete-everything safety check.
	Force bool

	// DryRun reports what would be done without storing or deleting.
	DryRun bool

	// ContinueOnErrors records per-key upload/delete failures in the Result
	// instead of aborting the run on the first one.
	ContinueOnErrors bool

	// Concurrency bounds the number of parallel upload/delete operations.
	// Zero or one means sequential.
	Concurrency int

	// Logger receives run diagnostics; defaults to the standard logger.
	Logger log.FieldLogger
}

func (o Options) logger() log.FieldLogger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.StandardLogger()
}

func (o Options) concurrency() int {
	if o.Concurrency > 1 {
		return o.Concurrency
	}
	return 1
}

func (o Options) describe(withForce bool) string {
	var opts []string
	if withForce && o.Force {
		opts = append(opts, "forced")
	}
	if o.DryRun {
		opts = append(opts, "dry-run")
	}
	if len(opts) == 0 {
		return ""
	}
	return " (" + strings.Join(opts, ", ") + ")"
}

// buildRunState fetches the source key map and destination key set for one
// run. Source failures come back as *SourceError, listing failures as
// *DestinationError.
func buildRunState(source Source, dest Destination) (map[string]string, map[string]bool, error) {
	keyMap, err := source.BuildKeyMap()
	if err != nil {
		var srcErr *SourceError
		if !errors.As(err, &srcErr) {
			err = &SourceError{Err: err}
		}
		return nil, nil, err
	}
	destKeys, err := dest.Keys()
	if err != nil {
		return nil, nil, &DestinationError{Err: err}
	}
	destKeySet := make(map[string]bool, len(destKeys))
	for _, key := range destKeys {
		destKeySet[key] = true
	}
	return keyMap, destKeySet, nil
}

// opRunner fans destination operations out to at most concurrency
// goroutines, accumulating counts under a lock. Once a run is aborted no new
// operations are started; in-flight ones drain before Wait returns.
type opRunner struct {
	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	abortErr error
}

func newOpRunner(concurrency int) *opRunner {
	return &opRunner{sem: make(chan struct{}, concurrency)}
}

func (r *opRunner) aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abortErr != nil
}

func (r *opRunner) run(op func() *DestinationError, tolerate bool, onError func(*DestinationError), onSuccess func()) {
	r.sem <- struct{}{}
	if r.aborted() {
		<-r.sem
		return
	}
	r.wg.Add(1)
	go func() {
		// release the slot only after recording the outcome, so at
		// concurrency 1 an abort is seen before the next op starts
		defer func() {
			<-r.sem
			r.wg.Done()
		}()
		opErr := op()
		r.mu.Lock()
		defer r.mu.Unlock()
		if opErr == nil {
			onSuccess()
			return
		}
		if tolerate {
			onError(opErr)
			return
		}
		if r.abortErr == nil {
			r.abortErr = opErr
		}
	}()
}

func (r *opRunner) wait() error {
	r.wg.Wait()
	return r.abortErr
}

// Upload synchronizes the source tree to the destination: every source file
// whose derived key is not yet present is stored under that key. Existing
// keys are skipped unless Force is set. Decision order is sorted by relative
// path so logs and results are reproducible.
func Upload(source Source, dest Destination, options Options) (*Result, error) {
	logger := options.logger()

	keyMap, destKeySet, err := buildRunState(source, dest)
	if err != nil {
		return nil, err
	}
	logger.Infof("starting upload to %s%s: %d source files, %d destination keys",
		dest, options.describe(true), len(keyMap), len(destKeySet))

	relPaths := make([]string, 0, len(keyMap))
	for relPath := range keyMap {
		relPaths = append(relPaths, relPath)
	}
	sort.Strings(relPaths)

	result := &Result{SourceKeyMap: keyMap, DestinationKeys: destKeySet}
	runner := newOpRunner(options.concurrency())
	for _, relPath := range relPaths {
		if runner.aborted() {
			break
		}
		result.Scanned++
		key := keyMap[relPath]

		if !options.Force && destKeySet[key] {
			logger.Debugf("already uploaded %s, skipping", key)
			continue
		}
		verb := "uploading"
		if destKeySet[key] {
			verb = "force uploading"
		}
		if options.DryRun {
			if destKeySet[key] {
				verb = "would force upload"
			} else {
				verb = "would upload"
			}
		}
		contentType := mime.TypeByExtension(path.Ext(relPath))
		logger.Infof("%s %s to %s (%s)", verb, relPath, key, contentType)

		if options.DryRun {
			result.Processed++
			continue
		}

		relPath, key := relPath, key
		runner.run(
			func() *DestinationError {
				if uploadErr := dest.Upload(key, source, relPath); uploadErr != nil {
					return &DestinationError{Key: key, Err: uploadErr}
				}
				return nil
			},
			options.ContinueOnErrors,
			func(opErr *DestinationError) {
				logger.Errorf("error uploading %s: %s, continuing", opErr.Key, opErr.Err)
				result.Errors++
			},
			func() { result.Processed++ },
		)
	}
	if abortErr := runner.wait(); abortErr != nil {
		return nil, abortErr
	}

	logger.Infof("finished upload: uploaded %d, skipped %d, errors %d",
		result.Processed, result.Scanned-result.Processed-result.Errors, result.Errors)
	return result, nil
}

// Delete removes destination keys no longer referenced by any source file.
// Unless Force is set, a run that would delete every key at a non-empty
// destination aborts with *DeleteAllKeysError before any deletion, which
// protects against an empty or misconfigured source root wiping the
// destination. Keys are visited in sorted order.
func Delete(source Source, dest Destination, options Options) (*Result, error) {
	logger := options.logger()

	keyMap, destKeySet, err := buildRunState(source, dest)
	if err != nil {
		return nil, err
	}
	sourceKeys := make(map[string]bool, len(keyMap))
	for _, key := range keyMap {
		sourceKeys[key] = true
	}
	logger.Infof("starting delete from %s%s: %d source keys, %d destination keys",
		dest, options.describe(false), len(sourceKeys), len(destKeySet))

	if !options.Force && len(destKeySet) > 0 {
		numToDelete := 0
		for key := range destKeySet {
			if !sourceKeys[key] {
				numToDelete++
			}
		}
		if numToDelete >= len(destKeySet) {
			return nil, &DeleteAllKeysError{NumKeys: len(destKeySet)}
		}
	}

	destKeys := make([]string, 0, len(destKeySet))
	for key := range destKeySet {
		destKeys = append(destKeys, key)
	}
	sort.Strings(destKeys)

	result := &Result{SourceKeyMap: keyMap, DestinationKeys: destKeySet}
	runner := newOpRunner(options.concurrency())
	for _, key := range destKeys {
		if runner.aborted() {
			break
		}
		result.Scanned++

		if sourceKeys[key] {
			logger.Debugf("still using %s, skipping", key)
			continue
		}
		verb := "deleting"
		if options.DryRun {
			verb = "would delete"
		}
		logger.Infof("%s %s", verb, key)

		if options.DryRun {
			result.Processed++
			continue
		}

		key := key
		runner.run(
			func() *DestinationError {
				if delErr := dest.Delete(key); delErr != nil {
					return &DestinationError{Key: key, Err: delErr}
				}
				return nil
			},
			options.ContinueOnErrors,
			func(opErr *DestinationError) {
				logger.Errorf("error deleting %s: %s, continuing", opErr.Key, opErr.Err)
				result.Errors++
			},
			func() { result.Processed++ },
		)
	}
	if abortErr := runner.wait(); abortErr != nil {
		return nil, abortErr
	}

	logger.Infof("finished delete: deleted %d, errors %d", result.Processed, result.Errors)
	return result, nil
}
