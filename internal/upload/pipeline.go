package upload

import (
	"context"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// File is one photo selected for upload. Open is called once, on the worker
// goroutine that uploads the file.
type File struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// Result is the settled outcome for one file, in input order.
type Result struct {
	Name string
	URL  string
	Err  error
}

// BlobStore persists one photo and returns its stable reference.
type BlobStore interface {
	Store(ctx context.Context, name string, r io.Reader) (url string, err error)
}

// Pipeline fans a photo batch out to a blob store with bounded concurrency.
// Every file settles independently; one failed upload never aborts its
// siblings. Failed files are dropped from the attached set and logged, never
// surfaced as a batch error.
type Pipeline struct {
	Store       BlobStore
	Concurrency int
	Log         zerolog.Logger
}

// UploadAll settles every file and returns one Result per input, in input
// order. It returns an error only when the batch as a whole could not run;
// per-file failures live on the individual results.
func (p Pipeline) UploadAll(ctx context.Context, files []File) []Result {
	results := make([]Result, len(files))
	if len(files) == 0 {
		return results
	}
	workers := p.Concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(files) {
		workers = len(files)
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i := range files {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = p.uploadOne(ctx, files[i])
		}(i)
	}
	wg.Wait()
	for _, res := range results {
		if res.Err != nil {
			p.Log.Debug().Str("file", res.Name).Err(res.Err).Msg("photo upload dropped")
		}
	}
	return results
}

func (p Pipeline) uploadOne(ctx context.Context, f File) Result {
	res := Result{Name: f.Name}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	r, err := f.Open()
	if err != nil {
		res.Err = err
		return res
	}
	defer r.Close()
	res.URL, res.Err = p.Store.Store(ctx, f.Name, r)
	return res
}

// URLs collects the references of the files that made it, preserving upload
// order and skipping failures.
func URLs(results []Result) []string {
	urls := make([]string, 0, len(results))
	for _, res := range results {
		if res.Err == nil {
			urls = append(urls, res.URL)
		}
	}
	return urls
}
