package cdnupload

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietOptions() Options {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return Options{Logger: logger}
}

// mockDestination records uploads and deletes and can be told to fail
// individual keys or the listing call.
type mockDestination struct {
	mu         sync.Mutex
	keys       []string
	uploads    []string
	deletes    []string
	uploadErrs map[string]error
	deleteErrs map[string]error
	keysErr    error
}

func (d *mockDestination) String() string { return "mock" }

func (d *mockDestination) Keys() ([]string, error) {
	if d.keysErr != nil {
		return nil, d.keysErr
	}
	return d.keys, nil
}

func (d *mockDestination) Upload(key string, source Source, relPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.uploadErrs[key]; err != nil {
		return err
	}
	d.uploads = append(d.uploads, key)
	return nil
}

func (d *mockDestination) Delete(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.deleteErrs[key]; err != nil {
		return err
	}
	d.deletes = append(d.deletes, key)
	return nil
}

func destinationKeys(t *testing.T, dest Destination) []string {
	t.Helper()
	keys, err := dest.Keys()
	require.NoError(t, err)
	sort.Strings(keys)
	return keys
}

func assertCounts(t *testing.T, result *Result, scanned, processed, numErrors int) {
	t.Helper()
	require.NotNil(t, result)
	assert.Equal(t, scanned, result.Scanned, "scanned")
	assert.Equal(t, processed, result.Processed, "processed")
	assert.Equal(t, numErrors, result.Errors, "errors")
}

var fixtureKeyMap = map[string]string{
	"file.txt":     "file_5436437fa01a7d3e.txt",
	"images/1.jpg": "images/1_accf102caaa970ce.jpg",
	"images/2.jpg": "images/2_08fda0244b5397e0.jpg",
}

func newFixtureSource(t *testing.T) *FileSource {
	return newMemSource(t, map[string]string{
		"file.txt":     "file.txt",
		"images/1.jpg": "1.jpg",
		"images/2.jpg": "2.jpg",
	})
}

func TestUpload(t *testing.T) {
	source := newFixtureSource(t)
	dest := newMemDestination(t)
	options := quietOptions()

	expectedKeys := make([]string, 0, len(fixtureKeyMap))
	for _, key := range fixtureKeyMap {
		expectedKeys = append(expectedKeys, key)
	}
	sort.Strings(expectedKeys)

	// dry run performs no stores
	options.DryRun = true
	result, err := Upload(source, dest, options)
	require.NoError(t, err)
	assertCounts(t, result, 3, 3, 0)
	assert.Equal(t, fixtureKeyMap, result.SourceKeyMap)
	assert.Empty(t, result.DestinationKeys)
	assert.Empty(t, destinationKeys(t, dest))

	// real run uploads everything
	options.DryRun = false
	result, err = Upload(source, dest, options)
	require.NoError(t, err)
	assertCounts(t, result, 3, 3, 0)
	assert.Equal(t, expectedKeys, destinationKeys(t, dest))

	// re-running is a no-op
	result, err = Upload(source, dest, options)
	require.NoError(t, err)
	assertCounts(t, result, 3, 0, 0)
	assert.Len(t, result.DestinationKeys, 3)

	// force re-uploads everything
	options.Force = true
	result, err = Upload(source, dest, options)
	require.NoError(t, err)
	assertCounts(t, result, 3, 3, 0)
	assert.Equal(t, expectedKeys, destinationKeys(t, dest))
}

func TestUploadReuploadsOnContentChange(t *testing.T) {
	source := newMemSource(t, map[string]string{"test.txt": "foo"})
	dest := newMemDestination(t)
	options := quietOptions()

	result, err := Upload(source, dest, options)
	require.NoError(t, err)
	assertCounts(t, result, 1, 1, 0)
	assert.Equal(t, []string{"test_0beec7b5ea3f0fdb.txt"}, destinationKeys(t, dest))

	// changed content gets a new key; the old key stays until a delete run
	writeSourceFiles(t, source.Fs, "/src", map[string]string{"test.txt": "file.txt"})
	source.Invalidate()

	result, err = Upload(source, dest, options)
	require.NoError(t, err)
	assertCounts(t, result, 1, 1, 0)
	assert.Equal(t, []string{
		"test_0beec7b5ea3f0fdb.txt",
		"test_5436437fa01a7d3e.txt",
	}, destinationKeys(t, dest))

	result, err = Delete(source, dest, options)
	require.NoError(t, err)
	assertCounts(t, result, 2, 1, 0)
	assert.Equal(t, []string{"test_5436437fa01a7d3e.txt"}, destinationKeys(t, dest))
}

func TestUploadAbortsOnError(t *testing.T) {
	source := newMemSource(t, map[string]string{
		"file1.txt": "file.txt",
		"file2.txt": "file.txt",
	})
	dest := &mockDestination{
		uploadErrs: map[string]error{"file1_5436437fa01a7d3e.txt": fmt.Errorf("boom")},
	}

	result, err := Upload(source, dest, quietOptions())
	require.Error(t, err)
	assert.Nil(t, result)
	var destErr *DestinationError
	require.ErrorAs(t, err, &destErr)
	assert.Equal(t, "file1_5436437fa01a7d3e.txt", destErr.Key)
}

func TestUploadContinueOnErrors(t *testing.T) {
	source := newMemSource(t, map[string]string{
		"file1.txt": "file.txt",
		"file2.txt": "file.txt",
	})
	dest := &mockDestination{
		uploadErrs: map[string]error{"file1_5436437fa01a7d3e.txt": fmt.Errorf("boom")},
	}

	options := quietOptions()
	options.ContinueOnErrors = true
	result, err := Upload(source, dest, options)
	require.NoError(t, err)
	assertCounts(t, result, 2, 1, 1)
	assert.Equal(t, []string{"file2_5436437fa01a7d3e.txt"}, dest.uploads)
}

func TestUploadSourceError(t *testing.T) {
	source := newMemSource(t, nil)
	source.Root = "/not_exists"
	dest := newMemDestination(t)

	result, err := Upload(source, dest, quietOptions())
	require.Error(t, err)
	assert.Nil(t, result)
	var srcErr *SourceError
	assert.ErrorAs(t, err, &srcErr)
}

func TestUploadDestinationListError(t *testing.T) {
	source := newMemSource(t, map[string]string{"file.txt": "file.txt"})
	dest := &mockDestination{keysErr: fmt.Errorf("listing failed")}

	result, err := Upload(source, dest, quietOptions())
	require.Error(t, err)
	assert.Nil(t, result)
	var destErr *DestinationError
	require.ErrorAs(t, err, &destErr)
	assert.Empty(t, destErr.Key)
}

func TestDelete(t *testing.T) {
	source := newFixtureSource(t)
	dest := newMemDestination(t)
	options := quietOptions()

	_, err := Upload(source, dest, options)
	require.NoError(t, err)

	// nothing unreferenced yet
	result, err := Delete(source, dest, options)
	require.NoError(t, err)
	assertCounts(t, result, 3, 0, 0)
	assert.Len(t, destinationKeys(t, dest), 3)

	// removing a source file makes its key a delete candidate; dry run
	// reports it without deleting
	require.NoError(t, source.Fs.Remove("/src/file.txt"))
	source.Invalidate()

	options.DryRun = true
	result, err = Delete(source, dest, options)
	require.NoError(t, err)
	assertCounts(t, result, 3, 1, 0)
	assert.Len(t, destinationKeys(t, dest), 3)

	options.DryRun = false
	result, err = Delete(source, dest, options)
	require.NoError(t, err)
	assertCounts(t, result, 3, 1, 0)
	assert.Equal(t, []string{
		"images/1_accf102caaa970ce.jpg",
		"images/2_08fda0244b5397e0.jpg",
	}, destinationKeys(t, dest))

	// deleting every remaining key requires force
	require.NoError(t, source.Fs.Remove("/src/images/1.jpg"))
	require.NoError(t, source.Fs.Remove("/src/images/2.jpg"))
	source.Invalidate()

	result, err = Delete(source, dest, options)
	require.Error(t, err)
	assert.Nil(t, result)
	var deleteAllErr *DeleteAllKeysError
	require.ErrorAs(t, err, &deleteAllErr)
	assert.Equal(t, 2, deleteAllErr.NumKeys)
	assert.Len(t, destinationKeys(t, dest), 2)

	options.Force = true
	result, err = Delete(source, dest, options)
	require.NoError(t, err)
	assertCounts(t, result, 2, 2, 0)
	assert.Empty(t, destinationKeys(t, dest))
}

func TestDeleteEmptyDestination(t *testing.T) {
	// an empty destination has nothing to protect: no error even though
	// the source is also empty
	source := newMemSource(t, nil)
	dest := newMemDestination(t)

	result, err := Delete(source, dest, quietOptions())
	require.NoError(t, err)
	assertCounts(t, result, 0, 0, 0)
}

func TestDeleteAbortsOnError(t *testing.T) {
	source := newMemSource(t, map[string]string{"file3.txt": "file.txt"})
	dest := &mockDestination{
		keys: []string{
			"file1_5436437fa01a7d3e.txt",
			"file2_5436437fa01a7d3e.txt",
			"file3_5436437fa01a7d3e.txt",
		},
		deleteErrs: map[string]error{"file1_5436437fa01a7d3e.txt": fmt.Errorf("boom")},
	}

	result, err := Delete(source, dest, quietOptions())
	require.Error(t, err)
	assert.Nil(t, result)
	var destErr *DestinationError
	require.ErrorAs(t, err, &destErr)
	assert.Equal(t, "file1_5436437fa01a7d3e.txt", destErr.Key)
	assert.Empty(t, dest.deletes)
}

func TestDeleteContinueOnErrors(t *testing.T) {
	source := newMemSource(t, map[string]string{"file3.txt": "file.txt"})
	dest := &mockDestination{
		keys: []string{
			"file1_5436437fa01a7d3e.txt",
			"file2_5436437fa01a7d3e.txt",
			"file3_5436437fa01a7d3e.txt",
		},
		deleteErrs: map[string]error{"file1_5436437fa01a7d3e.txt": fmt.Errorf("boom")},
	}

	options := quietOptions()
	options.ContinueOnErrors = true
	result, err := Delete(source, dest, options)
	require.NoError(t, err)
	assertCounts(t, result, 3, 1, 1)
	assert.Equal(t, []string{"file2_5436437fa01a7d3e.txt"}, dest.deletes)
}

func TestUploadConcurrent(t *testing.T) {
	files := make(map[string]string, 20)
	for i := 0; i < 20; i++ {
		files[fmt.Sprintf("file%02d.txt", i)] = fmt.Sprintf("contents %d", i)
	}
	source := newMemSource(t, files)
	dest := &mockDestination{}

	options := quietOptions()
	options.Concurrency = 4
	result, err := Upload(source, dest, options)
	require.NoError(t, err)
	assertCounts(t, result, 20, 20, 0)
	assert.Len(t, dest.uploads, 20)
}
