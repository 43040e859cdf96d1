package snowflake

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ethanyzhang/snowflake-go/stagestore"
)

// Staging commands returned by the service.
const (
	commandUpload   = "UPLOAD"
	commandDownload = "DOWNLOAD"

	compressionAutoDetect = "AUTO_DETECT"
	compressionNone       = "NONE"
	compressionGzip       = "GZIP"
)

// compressionByExt maps file extensions to the compression names reported
// in transfer results.
var compressionByExt = map[string]string{
	".gz":          compressionGzip,
	".bz2":         "BZ2",
	".br":          "BROTLI",
	".zst":         "ZSTD",
	".deflate":     "DEFLATE",
	".raw_deflate": "RAW_DEFLATE",
	".parquet":     "PARQUET",
	".orc":         "ORC",
}

// TransferStatus is the outcome of one file in a PUT or GET.
type TransferStatus string

const (
	TransferUploaded   TransferStatus = "UPLOADED"
	TransferDownloaded TransferStatus = "DOWNLOADED"
	TransferSkipped    TransferStatus = "SKIPPED"
	TransferError      TransferStatus = "ERROR"
)

// FileTransfer reports one file of a PUT or GET.
type FileTransfer struct {
	// Source is the local path for uploads or the stage file for downloads
	Source string

	// Target is the stage file name for uploads or the local path for downloads
	Target string

	SourceSize        int64
	TargetSize        int64
	SourceCompression string
	TargetCompression string

	Status TransferStatus

	// Err is a *StageError when Status is TransferError
	Err error
}

// TransferResult reports every file of a PUT or GET.
type TransferResult struct {
	QueryID string

	// Command is UPLOAD or DOWNLOAD
	Command string

	Files []*FileTransfer
}

// Counts returns the number of files per status.
func (t *TransferResult) Counts() map[TransferStatus]int {
	counts := make(map[TransferStatus]int)
	for _, f := range t.Files {
		counts[f.Status]++
	}
	return counts
}

// Err joins the errors of every failed file, or returns nil.
func (t *TransferResult) Err() error {
	var errs []error
	for _, f := range t.Files {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errors.Join(errs...)
}

// results exposes the per-file outcomes as a result set.
func (t *TransferResult) results() *Results {
	text := func(name string) Column { return Column{Name: name, Type: "text", Nullable: true} }
	fixed := func(name string) Column { return Column{Name: name, Type: "fixed"} }
	message := func(f *FileTransfer) string {
		if f.Err != nil {
			return f.Err.Error()
		}
		return ""
	}

	r := &Results{QueryID: t.QueryID, Transfer: t}
	batch := &Batch{Chunk: inlineChunk}
	if t.Command == commandDownload {
		r.Columns = []Column{text("file"), fixed("size"), text("status"), text("message")}
		for _, f := range t.Files {
			batch.Rows = append(batch.Rows, Row{f.Source, f.TargetSize, string(f.Status), message(f)})
		}
	} else {
		r.Columns = []Column{
			text("source"), text("target"), fixed("source_size"), fixed("target_size"),
			text("source_compression"), text("target_compression"), text("status"), text("message"),
		}
		for _, f := range t.Files {
			batch.Rows = append(batch.Rows, Row{
				filepath.Base(f.Source), f.Target, f.SourceSize, f.TargetSize,
				f.SourceCompression, f.TargetCompression, string(f.Status), message(f),
			})
		}
	}
	r.Total = int64(len(batch.Rows))
	if len(batch.Rows) > 0 {
		r.inline = batch
	}
	return r
}

// --- Staging directive wire types ---

type stageCreds struct {
	AWSKeyID       string `json:"AWS_KEY_ID,omitempty"`
	AWSSecretKey   string `json:"AWS_SECRET_KEY,omitempty"`
	AWSToken       string `json:"AWS_TOKEN,omitempty"`
	AzureSASToken  string `json:"AZURE_SAS_TOKEN,omitempty"`
	GCSAccessToken string `json:"GCS_ACCESS_TOKEN,omitempty"`
}

type stageInfo struct {
	LocationType          string     `json:"locationType"`
	Location              string     `json:"location"`
	Path                  string     `json:"path,omitempty"`
	Region                string     `json:"region,omitempty"`
	StorageAccount        string     `json:"storageAccount,omitempty"`
	IsClientSideEncrypted bool       `json:"isClientSideEncrypted,omitempty"`
	Creds                 stageCreds `json:"creds"`
	PresignedURL          string     `json:"presignedUrl,omitempty"`
	EndPoint              string     `json:"endPoint,omitempty"`
}

// location converts the stage info into a storage location. presigned
// overrides the stage-level presigned URL for a single file.
func (si *stageInfo) location(presigned string) stagestore.Location {
	typ := stagestore.LocationType(strings.ToUpper(si.LocationType))
	bucket, path := stagestore.ParseLocation(typ, si.Location)
	if presigned == "" {
		presigned = si.PresignedURL
	}
	return stagestore.Location{
		Type:           typ,
		Bucket:         bucket,
		Path:           path,
		Region:         si.Region,
		Endpoint:       si.EndPoint,
		StorageAccount: si.StorageAccount,
		PresignedURL:   presigned,
		Credentials: stagestore.Credentials{
			AWSKeyID:       si.Creds.AWSKeyID,
			AWSSecretKey:   si.Creds.AWSSecretKey,
			AWSToken:       si.Creds.AWSToken,
			AzureSASToken:  si.Creds.AzureSASToken,
			GCSAccessToken: si.Creds.GCSAccessToken,
		},
	}
}

type encryptionMaterial struct {
	QueryStageMasterKey string `json:"queryStageMasterKey"`
	QueryID             string `json:"queryId"`
	SmkID               int64  `json:"smkId"`
}

func (m *encryptionMaterial) masterKey() ([]byte, error) {
	if m == nil || m.QueryStageMasterKey == "" {
		return nil, errors.New("no stage master key")
	}
	key, err := base64.StdEncoding.DecodeString(m.QueryStageMasterKey)
	if err != nil {
		return nil, fmt.Errorf("invalid stage master key: %w", err)
	}
	return key, nil
}

// encryptionMaterialList accepts a single material object, an array of
// them, or null.
type encryptionMaterialList []*encryptionMaterial

func (l *encryptionMaterialList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*l = nil
		return nil
	case b[0] == '[':
		var list []*encryptionMaterial
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*l = list
		return nil
	default:
		var m encryptionMaterial
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
		*l = encryptionMaterialList{&m}
		return nil
	}
}

// forFile returns the material for the i-th file. A single material applies
// to every file.
func (l encryptionMaterialList) forFile(i int) *encryptionMaterial {
	switch {
	case len(l) == 0:
		return nil
	case len(l) == 1:
		return l[0]
	case i < len(l):
		return l[i]
	}
	return nil
}

// --- Transfer ---

// Transfer executes a PUT or GET statement and moves the files it names.
// Per-file failures are reported in the result and do not fail the call
// unless qr.FailFast is set, in which case the first failure is returned
// along with the partial result.
func (c *Client) Transfer(ctx context.Context, qr *QueryRequest) (*TransferResult, error) {
	if qr == nil || !IsStagingStatement(qr.SQL) {
		return nil, errors.New("snowflake: not a PUT or GET statement")
	}
	data, err := c.run(ctx, qr)
	if err != nil {
		return nil, err
	}
	if data.StageInfo == nil {
		return nil, ErrNoStorage
	}

	st := &stageTransfer{c: c, qr: qr, data: data}
	defer st.close()

	result := &TransferResult{QueryID: data.QueryID, Command: strings.ToUpper(data.Command)}
	switch result.Command {
	case commandUpload:
		err = st.upload(ctx, result)
	case commandDownload:
		err = st.download(ctx, result)
	default:
		return nil, fmt.Errorf("snowflake: unsupported staging command %q", data.Command)
	}

	counts := result.Counts()
	log.Debug().Str("query_id", result.QueryID).Str("command", result.Command).
		Int("files", len(result.Files)).Int("failed", counts[TransferError]).Int("skipped", counts[TransferSkipped]).
		Msg("staging transfer finished")
	return result, err
}

// stageTransfer holds the directive of one staging statement. The directive
// and its store are replaced when the temporary credentials expire.
type stageTransfer struct {
	c  *Client
	qr *QueryRequest

	mu    sync.Mutex
	data  *execResponseData
	store stagestore.Store
	gen   int

	// retired generations may still be in use by running files; they are
	// wiped and closed only by close
	retired []retiredDirective
}

type retiredDirective struct {
	data  *execResponseData
	store stagestore.Store
}

// stageSnapshot is the directive generation a file attempt runs against.
type stageSnapshot struct {
	data    *execResponseData
	store   stagestore.Store
	gen     int
	release func()
}

// acquire returns a store for the i-th file. GCS stages issued per-file
// presigned URLs get a dedicated store; every other file shares one.
func (st *stageTransfer) acquire(ctx context.Context, i int) (*stageSnapshot, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	snap := &stageSnapshot{data: st.data, gen: st.gen, release: func() {}}

	if urls := st.data.PresignedURLs; i < len(urls) && urls[i] != "" {
		store, err := st.c.openStore(ctx, st.data.StageInfo.location(urls[i]))
		if err != nil {
			return nil, err
		}
		snap.store = store
		snap.release = func() { store.Close() }
		return snap, nil
	}
	if st.store == nil {
		store, err := st.c.openStore(ctx, st.data.StageInfo.location(""))
		if err != nil {
			return nil, err
		}
		st.store = store
	}
	snap.store = st.store
	return snap, nil
}

// directive returns the current directive. Its fields are never modified
// while the transfer runs.
func (st *stageTransfer) directive() *execResponseData {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.data
}

// renew resubmits the statement to obtain fresh credentials. Callers that
// observed an older generation than the current one return immediately.
// The replaced generation stays intact for files still using it.
func (st *stageTransfer) renew(ctx context.Context, gen int) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.gen != gen {
		return nil
	}
	qr := *st.qr
	qr.RequestID = ""
	data, err := st.c.run(ctx, &qr)
	if err != nil {
		return fmt.Errorf("renew stage credentials: %w", err)
	}
	if data.StageInfo == nil {
		return ErrNoStorage
	}
	st.retired = append(st.retired, retiredDirective{data: st.data, store: st.store})
	st.data = data
	st.store = nil
	st.gen++
	log.Debug().Str("query_id", data.QueryID).Int("generation", st.gen).Msg("renewed stage credentials")
	return nil
}

// close wipes every generation of the directive. It runs after all files
// have finished.
func (st *stageTransfer) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, r := range st.retired {
		if r.store != nil {
			r.store.Close()
		}
		wipeDirective(r.data)
	}
	st.retired = nil
	if st.store != nil {
		st.store.Close()
		st.store = nil
	}
	wipeDirective(st.data)
}

// wipeDirective drops credentials and key material held by a directive.
func wipeDirective(data *execResponseData) {
	if data == nil {
		return
	}
	if data.StageInfo != nil {
		data.StageInfo.Creds = stageCreds{}
	}
	for _, m := range data.EncryptionMaterial {
		if m != nil {
			m.QueryStageMasterKey = ""
		}
	}
	clear(data.PresignedURLs)
}

// withStore runs op against the store for the i-th file, renewing the
// credentials once when they have expired.
func (st *stageTransfer) withStore(ctx context.Context, i int, op func(*stageSnapshot) error) error {
	for attempt := 0; ; attempt++ {
		snap, err := st.acquire(ctx, i)
		if err != nil {
			return err
		}
		err = op(snap)
		snap.release()
		if attempt == 0 && errors.Is(err, stagestore.ErrExpiredCredentials) {
			if rerr := st.renew(ctx, snap.gen); rerr != nil {
				return errors.Join(err, rerr)
			}
			continue
		}
		return err
	}
}

// each runs fn for every file with the directive's parallelism. With
// fail-fast the first failure cancels the rest and is returned.
func (st *stageTransfer) each(ctx context.Context, files []*FileTransfer, op string, fn func(ctx context.Context, i int, f *FileTransfer) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(int(max(1, st.directive().Parallel)))
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				f.Status = TransferError
				f.Err = &StageError{File: f.Source, Op: op, Err: err}
				return nil
			}
			err := fn(gctx, i, f)
			if err == nil {
				log.Debug().Str("source", f.Source).Str("target", f.Target).Str("status", string(f.Status)).Msg("staged file")
				return nil
			}
			f.Status = TransferError
			f.Err = &StageError{File: f.Source, Op: op, Err: err}
			log.Debug().Err(err).Str("source", f.Source).Msg("failed to stage file")
			if st.qr.FailFast {
				return f.Err
			}
			return nil
		})
	}
	return g.Wait()
}

// --- Upload ---

func (st *stageTransfer) upload(ctx context.Context, result *TransferResult) error {
	srcs := st.directive().SrcLocations
	sources, err := expandSources(srcs)
	if err != nil {
		return &StageError{File: strings.Join(srcs, ","), Op: "put", Err: err}
	}
	for _, src := range sources {
		result.Files = append(result.Files, &FileTransfer{Source: src})
	}
	return st.each(ctx, result.Files, "put", st.uploadFile)
}

func (st *stageTransfer) uploadFile(ctx context.Context, i int, f *FileTransfer) error {
	plain, err := os.ReadFile(f.Source)
	if err != nil {
		return err
	}
	dir := st.directive()
	f.SourceSize = int64(len(plain))
	f.SourceCompression = sourceCompression(f.Source, plain, dir.SourceCompression)
	f.Target = filepath.Base(f.Source)
	f.TargetCompression = f.SourceCompression

	if dir.AutoCompress && f.SourceCompression == compressionNone {
		if plain, err = gzipBytes(plain); err != nil {
			return err
		}
		f.Target += ".gz"
		f.TargetCompression = compressionGzip
	}

	return st.withStore(ctx, i, func(snap *stageSnapshot) error {
		if !snap.data.Overwrite {
			_, err := snap.store.Stat(ctx, f.Target)
			if err == nil {
				f.Status = TransferSkipped
				return nil
			}
			if !errors.Is(err, stagestore.ErrNotFound) {
				return err
			}
		}

		meta := stagestore.FileMetadata{Digest: contentDigest(plain)}
		body := plain
		if mat := snap.data.EncryptionMaterial.forFile(0); mat != nil && mat.QueryStageMasterKey != "" {
			enc, em, err := encryptFile(plain, mat)
			if err != nil {
				return fmt.Errorf("encrypt: %w", err)
			}
			body, meta.Encryption = enc, em
		}
		if err := snap.store.Put(ctx, f.Target, bytes.NewReader(body), int64(len(body)), meta); err != nil {
			return err
		}
		f.TargetSize = int64(len(body))
		f.Status = TransferUploaded
		return nil
	})
}

// expandSources resolves file:// URLs, a leading ~ and glob patterns into
// regular files. A pattern that matches nothing is an error.
func expandSources(srcs []string) ([]string, error) {
	var files []string
	for _, src := range srcs {
		path := strings.TrimPrefix(src, "file://")
		if strings.HasPrefix(path, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(home, path[2:])
		}
		matches, err := filepath.Glob(path)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", src, err)
		}
		n := 0
		for _, m := range matches {
			fi, err := os.Stat(m)
			if err != nil || fi.IsDir() {
				continue
			}
			files = append(files, m)
			n++
		}
		if n == 0 {
			return nil, fmt.Errorf("no files match %q", src)
		}
	}
	return files, nil
}

// sourceCompression names the compression of a local file: the declared
// source compression, or one detected from its extension and content.
func sourceCompression(path string, data []byte, declared string) string {
	declared = strings.ToUpper(declared)
	if declared != "" && declared != compressionAutoDetect {
		return declared
	}
	if c, ok := compressionByExt[strings.ToLower(filepath.Ext(path))]; ok {
		return c
	}
	if bytes.HasPrefix(data, gzipMagic) {
		return compressionGzip
	}
	return compressionNone
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// --- Download ---

func (st *stageTransfer) download(ctx context.Context, result *TransferResult) error {
	data := st.directive()
	if data.LocalLocation == "" {
		return &StageError{Op: "get", Err: errors.New("no local directory")}
	}
	dir := strings.TrimPrefix(data.LocalLocation, "file://")
	if strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		dir = filepath.Join(home, dir[2:])
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StageError{File: dir, Op: "get", Err: err}
	}

	loc := data.StageInfo.location("")
	for _, src := range data.SrcLocations {
		name := stageRelative(loc, src)
		result.Files = append(result.Files, &FileTransfer{Source: name, Target: filepath.Join(dir, filepath.Base(name))})
	}
	return st.each(ctx, result.Files, "get", st.downloadFile)
}

func (st *stageTransfer) downloadFile(ctx context.Context, i int, f *FileTransfer) error {
	return st.withStore(ctx, i, func(snap *stageSnapshot) error {
		rc, meta, err := snap.store.Get(ctx, f.Source)
		if err != nil {
			return err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return err
		}
		f.SourceSize = int64(len(data))

		if meta.Encryption != nil {
			mat := snap.data.EncryptionMaterial.forFile(i)
			if mat == nil {
				return errors.New("file is encrypted but no key material was issued")
			}
			if data, err = decryptFile(data, meta.Encryption, mat); err != nil {
				return fmt.Errorf("decrypt: %w", err)
			}
		}
		if meta.Digest != "" && meta.Digest != contentDigest(data) {
			return errors.New("content digest mismatch")
		}

		if err := os.WriteFile(f.Target, data, 0o644); err != nil {
			return err
		}
		f.TargetSize = int64(len(data))
		f.SourceCompression = sourceCompression(f.Source, data, "")
		f.TargetCompression = f.SourceCompression
		f.Status = TransferDownloaded
		return nil
	})
}

// stageRelative strips the stage location prefix from a source reported
// by the service.
func stageRelative(loc stagestore.Location, src string) string {
	name := src
	if loc.Bucket != "" {
		name = strings.TrimPrefix(name, loc.Bucket+"/")
	}
	if loc.Type == stagestore.LocationLocalFS {
		name = strings.TrimPrefix(name, strings.TrimSuffix(loc.Path, "/")+"/")
	} else {
		name = strings.TrimPrefix(name, loc.Path)
	}
	return name
}
