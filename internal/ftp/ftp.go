// Package ftp runs the album-scoped FTP ingest server. Photographers
// authenticate with an album id or slug and its upload token; every
// finished upload lands in a local staging directory and is ingested
// into storage, the database and the processing queue on file close.
package ftp

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	ftpserver "github.com/fclairamb/ftpserverlib"
	ftplog "github.com/fclairamb/go-log"
	"github.com/spf13/afero"

	"github.com/JunyuZhan/pis-worker/internal/apperr"
	"github.com/JunyuZhan/pis-worker/internal/config"
	"github.com/JunyuZhan/pis-worker/internal/logger"
	"github.com/JunyuZhan/pis-worker/internal/metrics"
	"github.com/JunyuZhan/pis-worker/internal/storage"
	"github.com/JunyuZhan/pis-worker/internal/store"
)

const (
	// authTimeout bounds the album lookup behind a login attempt.
	authTimeout = 5 * time.Second

	// ingestTimeout bounds one staged-file ingest, dominated by the
	// original upload to object storage.
	ingestTimeout = 2 * time.Minute

	idleTimeoutSec = 300
)

var errAccessDenied = errors.New("access denied")

// Server is the FTP ingest server.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	ingest  *Ingestor
	fs      afero.Fs
	logger  *logger.Logger
	metrics *metrics.Metrics
	srv     *ftpserver.FtpServer
}

// Deps holds dependencies for creating a Server.
type Deps struct {
	Config  *config.Config
	Store   *store.Store
	Storage storage.Adapter
	Queue   Enqueuer
	Logger  *logger.Logger
	Metrics *metrics.Metrics

	// Staging overrides the staging filesystem; nil means the local
	// directory at FTP_ROOT_DIR.
	Staging afero.Fs
}

// New creates the FTP server and its staging root.
func New(deps Deps) (*Server, error) {
	fs := deps.Staging
	if fs == nil {
		if err := os.MkdirAll(deps.Config.FTPRootDir, 0o755); err != nil {
			return nil, fmt.Errorf("create staging root: %w", err)
		}
		fs = afero.NewBasePathFs(afero.NewOsFs(), deps.Config.FTPRootDir)
	}

	s := &Server{
		cfg:     deps.Config,
		store:   deps.Store,
		ingest:  NewIngestor(deps.Store, deps.Storage, deps.Queue, deps.Logger, deps.Metrics),
		fs:      fs,
		logger:  deps.Logger.WithComponent("ftp"),
		metrics: deps.Metrics,
	}
	s.srv = ftpserver.NewFtpServer(&driver{s: s})
	s.srv.Logger = ftpLogger{log: s.logger}
	return s, nil
}

// ListenAndServe blocks serving FTP sessions until Stop is called.
func (s *Server) ListenAndServe() error {
	s.logger.WithFields(map[string]interface{}{
		"port":       s.cfg.FTPPort,
		"pasv_start": s.cfg.FTPPasvStart,
		"pasv_end":   s.cfg.FTPPasvEnd,
	}).Info("ftp server listening")
	return s.srv.ListenAndServe()
}

// Stop closes the listener and all client sessions.
func (s *Server) Stop() error {
	return s.srv.Stop()
}

// SweepResult describes one staging sweep.
type SweepResult struct {
	Ingested  int
	Discarded int
	Failed    int
}

// SweepStaging ingests files a crashed process left in the staging
// tree. Files under an album that no longer accepts uploads are
// discarded; failed ingests stay staged for the next sweep.
func (s *Server) SweepStaging(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	entries, err := afero.ReadDir(s.fs, "/")
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return res, fmt.Errorf("read staging root: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			s.logger.WithField("name", entry.Name()).Warn("stray file in staging root, skipping")
			continue
		}
		albumID := entry.Name()
		files, err := afero.ReadDir(s.fs, albumID)
		if err != nil {
			s.logger.WithError(err).WithField("album_id", albumID).Warn("staging dir unreadable")
			continue
		}

		_, lookupErr := s.store.LiveAlbumByRef(ctx, albumID)
		scoped := afero.NewBasePathFs(s.fs, albumID)
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			switch {
			case lookupErr == nil:
				if err := s.ingest.IngestStaged(ctx, scoped, albumID, f.Name()); err != nil {
					res.Failed++
				} else {
					res.Ingested++
				}
			case apperr.IsNotFound(lookupErr):
				// The album is gone or expired; the file can never
				// ingest.
				if err := scoped.Remove(f.Name()); err != nil {
					s.logger.WithError(err).WithField("name", f.Name()).Warn("staged file discard failed")
					res.Failed++
				} else {
					s.metrics.IncFTPUpload("discarded")
					res.Discarded++
				}
			default:
				s.logger.WithError(lookupErr).WithField("album_id", albumID).Warn("album lookup failed, keeping staged files")
				res.Failed++
			}
		}
		if remaining, err := afero.ReadDir(s.fs, albumID); err == nil && len(remaining) == 0 {
			_ = s.fs.Remove(albumID)
		}
	}

	if res.Ingested+res.Discarded+res.Failed > 0 {
		s.logger.WithFields(map[string]interface{}{
			"ingested":  res.Ingested,
			"discarded": res.Discarded,
			"failed":    res.Failed,
		}).Info("staging sweep finished")
		if err := s.store.RecordAudit(ctx, actorFTP, store.ActionStagingSwept, store.TargetSystem, "staging", map[string]any{
			"ingested":  res.Ingested,
			"discarded": res.Discarded,
			"failed":    res.Failed,
		}); err != nil {
			s.logger.WithError(err).Warn("audit write failed")
		}
	}
	return res, nil
}

// driver implements ftpserver.MainDriver against the Server's deps.
type driver struct {
	s *Server
}

func (d *driver) GetSettings() (*ftpserver.Settings, error) {
	return &ftpserver.Settings{
		ListenAddr: fmt.Sprintf(":%d", d.s.cfg.FTPPort),
		PublicHost: passiveHost(d.s.cfg.FTPPasvURL),
		PassiveTransferPortRange: &ftpserver.PortRange{
			Start: d.s.cfg.FTPPasvStart,
			End:   d.s.cfg.FTPPasvEnd,
		},
		DisableActiveMode: true,
		IdleTimeout:       idleTimeoutSec,
	}, nil
}

func (d *driver) ClientConnected(cc ftpserver.ClientContext) (string, error) {
	d.s.logger.WithFields(map[string]interface{}{
		"client_id": cc.ID(),
		"remote":    cc.RemoteAddr().String(),
	}).Debug("ftp client connected")
	return "photo ingest service", nil
}

func (d *driver) ClientDisconnected(cc ftpserver.ClientContext) {
	d.s.logger.WithField("client_id", cc.ID()).Debug("ftp client disconnected")
}

// AuthUser resolves the album by id or slug and checks the upload
// token. A session sees exactly one album's staging directory.
func (d *driver) AuthUser(cc ftpserver.ClientContext, user, pass string) (ftpserver.ClientDriver, error) {
	return d.s.authenticate(user, pass, cc.RemoteAddr().String())
}

func (s *Server) authenticate(user, pass, remote string) (*albumFs, error) {
	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()

	log := s.logger.WithFields(map[string]interface{}{
		"user":   user,
		"remote": remote,
	})

	album, err := s.store.LiveAlbumByRef(ctx, user)
	if err != nil {
		if apperr.IsNotFound(err) {
			log.Warn("ftp login rejected: unknown album")
		} else {
			log.WithError(err).Error("ftp login failed: album lookup error")
		}
		return nil, errAccessDenied
	}
	if album.UploadToken == "" {
		log.Warn("ftp login rejected: album has no upload token")
		return nil, errAccessDenied
	}
	if subtle.ConstantTimeCompare([]byte(album.UploadToken), []byte(pass)) != 1 {
		log.Warn("ftp login rejected: bad token")
		return nil, errAccessDenied
	}

	if err := s.fs.MkdirAll(album.ID, 0o755); err != nil {
		log.WithError(err).Error("staging dir create failed")
		return nil, errors.New("staging unavailable")
	}

	log.WithField("album_id", album.ID).Info("ftp session opened")
	return &albumFs{
		Fs:      afero.NewBasePathFs(s.fs, album.ID),
		albumID: album.ID,
		ingest:  s.ingest,
		log:     s.logger.WithField("album_id", album.ID),
	}, nil
}

func (d *driver) GetTLSConfig() (*tls.Config, error) {
	return nil, errors.New("tls not configured")
}

// albumFs is the per-session filesystem, scoped to one album's staging
// directory. Files opened for writing are ingested when they close.
type albumFs struct {
	afero.Fs
	albumID string
	ingest  *Ingestor
	log     *logger.Logger
}

func (a *albumFs) Create(name string) (afero.File, error) {
	f, err := a.Fs.Create(name)
	if err != nil {
		return nil, err
	}
	return &ingestFile{File: f, owner: a, name: name}, nil
}

func (a *albumFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := a.Fs.OpenFile(name, flag, perm)
	if err != nil || flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		return f, err
	}
	return &ingestFile{File: f, owner: a, name: name}, nil
}

// ingestFile ingests its staged bytes once the upload stream closes.
type ingestFile struct {
	afero.File
	owner   *albumFs
	name    string
	aborted bool
}

// TransferError marks the transfer failed so Close does not ingest a
// truncated file.
func (f *ingestFile) TransferError(err error) {
	f.aborted = true
	f.owner.log.WithError(err).WithField("name", f.name).Warn("ftp transfer aborted")
}

func (f *ingestFile) Close() error {
	if err := f.File.Close(); err != nil {
		return err
	}
	if f.aborted {
		if err := f.owner.Fs.Remove(f.name); err != nil {
			f.owner.log.WithError(err).WithField("name", f.name).Warn("aborted upload cleanup failed")
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()
	// Ingest failures keep the staged file and surface to the client
	// as a failed transfer; the session stays up.
	return f.owner.ingest.IngestStaged(ctx, f.owner.Fs, f.owner.albumID, f.name)
}

// passiveHost extracts the host ftpserverlib should announce in PASV
// replies from the configured public URL.
func passiveHost(raw string) string {
	host := strings.TrimSuffix(raw, "/")
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

// ftpLogger adapts the process logger to the fclairamb/go-log interface
// ftpserverlib emits through.
type ftpLogger struct {
	log *logger.Logger
}

func (l ftpLogger) with(keyvals []interface{}) *logger.Logger {
	lg := l.log
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		lg = lg.WithField(key, keyvals[i+1])
	}
	return lg
}

func (l ftpLogger) Debug(event string, keyvals ...interface{}) {
	l.with(keyvals).Debug(event)
}

func (l ftpLogger) Info(event string, keyvals ...interface{}) {
	l.with(keyvals).Info(event)
}

func (l ftpLogger) Warn(event string, keyvals ...interface{}) {
	l.with(keyvals).Warn(event)
}

func (l ftpLogger) Error(event string, keyvals ...interface{}) {
	l.with(keyvals).Error(event)
}

func (l ftpLogger) Panic(event string, keyvals ...interface{}) {
	l.with(keyvals).Fatal(event)
}

func (l ftpLogger) With(keyvals ...interface{}) ftplog.Logger {
	return ftpLogger{log: l.with(keyvals)}
}
