package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/semvid/internal/config"
	"github.com/mmcdole/semvid/internal/domain"
	"github.com/mmcdole/semvid/internal/hosts"
	"github.com/mmcdole/semvid/internal/hosts/transport"
	"github.com/mmcdole/semvid/internal/hostserver"
	"github.com/mmcdole/semvid/internal/manifest"
)

// splitID takes a leading positional ID off args and parses the rest as flags
func splitID(fs *flag.FlagSet, args []string) (string, error) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], fs.Parse(args[1:])
	}
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() == 0 {
		return "", fmt.Errorf("%s: video id required", fs.Name())
	}
	return fs.Arg(0), nil
}

// resolveID accepts a full UUID or an unambiguous prefix of one in snap
func resolveID(snap *domain.Snapshot, arg string) (uuid.UUID, error) {
	if id, err := uuid.Parse(arg); err == nil {
		return id, nil
	}
	prefix := strings.ToLower(arg)
	var matches []uuid.UUID
	for _, v := range snap.All() {
		if strings.HasPrefix(v.ID().String(), prefix) {
			matches = append(matches, v.ID())
		}
	}
	switch len(matches) {
	case 0:
		return uuid.Nil, fmt.Errorf("no video matches %q: %w", arg, domain.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return uuid.Nil, fmt.Errorf("%q matches %d videos", arg, len(matches))
	}
}

// lookup refreshes from disk and resolves arg
func (e *env) lookup(ctx context.Context, arg string) (uuid.UUID, error) {
	snap, err := e.app.Repo.RefreshOffline(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	return resolveID(snap, arg)
}

// parseOffset reads a video offset as a Go duration ("1m30s") or seconds ("90.5")
func parseOffset(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("invalid offset %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func progressObserver(out *printer, verbose bool) domain.SyncObserver {
	if !verbose {
		return nil
	}
	return domain.ObserverFunc(func(p domain.SyncProgress) {
		switch {
		case p.Err != nil && p.Step == domain.StepConflict && p.Attempt > 0:
			out.Printf("%s %s %s\n", out.render(AccentStyle, "conflict"), shortID(p.ID.String()), out.render(DimStyle, fmt.Sprintf("attempt %d", p.Attempt)))
		case p.Err != nil:
			out.Fail("%s %s: %v", p.Host, p.Step, p.Err)
		case p.Step == domain.StepIndex:
			out.Printf("%s %s\n", out.render(AccentStyle, "listing"), p.Host)
		case p.Step == domain.StepDownload, p.Step == domain.StepUpload, p.Step == domain.StepMerge, p.Step == domain.StepOrphan:
			out.Printf("  %-8s %s\n", p.Step, shortID(p.ID.String()))
		}
	})
}

func runRefresh(ctx context.Context, e *env, args []string) error {
	snap, err := e.app.Repo.RefreshOffline(ctx)
	if err != nil {
		return err
	}
	e.out.Success("%d videos on disk", snap.Len())
	return nil
}

func runSync(ctx context.Context, e *env, args []string) error {
	if !e.cfg.IsConfigured() {
		return fmt.Errorf("no hosts configured; run semvid add-host first")
	}
	snap, err := e.app.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	e.app.Cache.InvalidateAll(ctx)

	failures := e.app.Ledger.Failures("")
	e.out.Success("%d videos in sync", snap.Len()-len(failures))
	for _, f := range failures {
		kind := "failed"
		if f.Conflict {
			kind = "conflict"
		}
		e.out.Fail("%s %s on %s (%dx): %s", kind, shortID(f.ID.String()), f.Host, f.Count, f.Error)
	}
	return nil
}

func runList(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	genreName := fs.String("genre", "", "only list this genre")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := e.app.Repo.RefreshOffline(ctx); err != nil {
		return err
	}
	infos, err := e.app.Cache.GetAll(ctx)
	if err != nil {
		return err
	}

	var genre *domain.Genre
	if *genreName != "" {
		g, err := domain.ParseGenre(*genreName)
		if err != nil {
			return err
		}
		genre = &g
	}

	rows := make([]videoRow, 0, len(infos))
	for _, info := range infos {
		if genre != nil && info.Genre != *genre {
			continue
		}
		rows = append(rows, videoRow{Info: info, State: e.app.Repo.Representation(info.ID)})
	}
	e.out.Videos(rows)
	return nil
}

func runSearch(ctx context.Context, e *env, args []string) error {
	query := strings.Join(args, " ")
	if query == "" {
		return fmt.Errorf("search: query required")
	}
	if _, err := e.app.Repo.RefreshOffline(ctx); err != nil {
		return err
	}
	var rows []videoRow
	for _, v := range e.app.Repo.Collection().Search(query) {
		rows = append(rows, videoRow{Info: v.Info, State: e.app.Repo.Representation(v.ID())})
	}
	e.out.Videos(rows)
	return nil
}

func runShow(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("show: video id required")
	}
	id, err := e.lookup(ctx, args[0])
	if err != nil {
		return err
	}
	m, err := e.app.Cache.GetFull(ctx, id)
	if err != nil {
		return err
	}
	e.out.Manifest(m, e.app.Repo.Representation(id))
	return nil
}

func runNew(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("new", flag.ContinueOnError)
	title := fs.String("title", "", "video title")
	genreName := fs.String("genre", "GoodWork", "GoodWork, Problem, TrickOfTrade or SiteOverview")
	creator := fs.String("creator", os.Getenv("USER"), "creator name")
	tag := fs.String("tag", "", "free text tag, e.g. a QR payload")
	lat := fs.Float64("lat", 0, "latitude")
	lon := fs.Float64("lon", 0, "longitude")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *title == "" {
		return fmt.Errorf("new: -title is required")
	}
	genre, err := domain.ParseGenre(*genreName)
	if err != nil {
		return err
	}

	m := domain.NewManifest(*title, genre, *creator)
	m.Tag = *tag
	if *lat != 0 || *lon != 0 {
		m.Location = &domain.Location{Latitude: *lat, Longitude: *lon}
	}
	if _, err := e.app.Repo.SaveVideo(ctx, m); err != nil {
		return err
	}
	e.out.Success("created %s", m.ID)
	return nil
}

func runAnnotate(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("annotate", flag.ContinueOnError)
	text := fs.String("text", "", "annotation text")
	at := fs.String("at", "0", "start offset (1m30s or seconds)")
	x := fs.Float64("x", 0.5, "horizontal position, 0..1")
	y := fs.Float64("y", 0.5, "vertical position, 0..1")
	creator := fs.String("creator", os.Getenv("USER"), "creator name")
	arg, err := splitID(fs, args)
	if err != nil {
		return err
	}
	if *text == "" {
		return fmt.Errorf("annotate: -text is required")
	}
	start, err := parseOffset(*at)
	if err != nil {
		return err
	}

	id, err := e.lookup(ctx, arg)
	if err != nil {
		return err
	}
	m, err := e.app.Repo.Full(ctx, id)
	if err != nil {
		return err
	}
	m.AddAnnotation(domain.NewAnnotation(*text, start, *x, *y, *creator))
	if err := e.app.Cache.Save(ctx, m); err != nil {
		return err
	}
	e.out.Success("annotated %s (%d annotations)", shortID(id.String()), len(m.Annotations))
	return nil
}

func runUpload(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	video := fs.String("video", "", "video file to upload first")
	thumbnail := fs.String("thumbnail", "", "thumbnail image to upload first")
	arg, err := splitID(fs, args)
	if err != nil {
		return err
	}
	id, err := e.lookup(ctx, arg)
	if err != nil {
		return err
	}

	if *video != "" || *thumbnail != "" {
		if _, err := e.app.Repo.UploadMedia(ctx, id, *video, *thumbnail); err != nil {
			return err
		}
	}
	m, _, err := e.app.Repo.Load(ctx, id)
	if err != nil {
		return err
	}
	if err := e.app.Repo.UploadVideo(ctx, m); err != nil {
		var ue *domain.UploadError
		if errors.As(err, &ue) {
			for _, cause := range ue.Errs {
				e.out.Fail("%v", cause)
			}
		}
		return err
	}
	e.app.Cache.Invalidate(id)
	e.out.Success("uploaded %s", shortID(id.String()))
	return nil
}

func runDelete(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("delete: video id required")
	}
	id, err := e.lookup(ctx, args[0])
	if err != nil {
		return err
	}
	if err := e.app.Repo.DeleteVideo(ctx, id); err != nil {
		return err
	}
	e.app.Cache.Invalidate(id)
	e.out.Success("deleted %s", shortID(id.String()))
	return nil
}

func runExport(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	out := fs.String("o", "", "output zip file (default <id>.zip)")
	video := fs.String("video", "", "video file to include")
	thumbnail := fs.String("thumbnail", "", "thumbnail to include")
	arg, err := splitID(fs, args)
	if err != nil {
		return err
	}
	id, err := e.lookup(ctx, arg)
	if err != nil {
		return err
	}
	m, err := e.app.Repo.Full(ctx, id)
	if err != nil {
		return err
	}

	// Media already stored as local files go in without flags
	if *video == "" {
		*video, _ = manifest.PathFromURI(m.VideoURI)
	}
	if *thumbnail == "" {
		*thumbnail, _ = manifest.PathFromURI(m.ThumbnailURI)
	}
	if *out == "" {
		*out = id.String() + ".zip"
	}

	w, err := manifest.NewAtomicWriter(*out)
	if err != nil {
		return err
	}
	defer w.Close()
	if err := manifest.ExportArchive(w, manifest.Bundle{Manifest: m, VideoPath: *video, ThumbnailPath: *thumbnail}); err != nil {
		return err
	}
	if err := w.Commit(); err != nil {
		return err
	}
	e.out.Success("wrote %s", *out)
	return nil
}

func runImport(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("import: archive path required")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	m, err := manifest.ImportArchive(f, info.Size())
	if err != nil {
		return err
	}
	rep, err := e.app.Repo.SaveVideo(ctx, m)
	if err != nil {
		return err
	}
	e.out.Success("imported %s as %s", m.ID, rep)
	return nil
}

func runStatus(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	reset := fs.Bool("reset", false, "forget recorded failures and host indexes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *reset {
		if err := e.app.Ledger.Reset(); err != nil {
			return err
		}
		e.out.Success("sync ledger cleared")
		return nil
	}

	if t, ok := e.app.Ledger.LastRefresh(); ok {
		e.out.Printf("last sync  %s\n", humanTime(t))
	} else {
		e.out.Printf("last sync  never\n")
	}

	for _, h := range e.app.Hosts {
		listed := "not listed yet"
		if rows, ok := e.app.Ledger.HostIndex(h.Name()); ok {
			listed = fmt.Sprintf("%d videos", len(rows))
		}
		e.out.Printf("%s  %s  %s\n", e.out.render(AccentStyle, h.Name()), listed, e.out.render(DimStyle, capabilityList(h.Capabilities())))
	}

	for _, f := range e.app.Ledger.Failures("") {
		e.out.Fail("%s on %s, %d failures since %s: %s", shortID(f.ID.String()), f.Host, f.Count, humanTime(f.FirstAt), f.Error)
	}
	return nil
}

func runServe(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", e.cfg.Server.Addr, "listen address")
	dir := fs.String("dir", e.cfg.Server.Dir, "directory to store objects in")
	if err := fs.Parse(args); err != nil {
		return err
	}

	srv := hostserver.New(e.logger)
	srv.Dir = *dir
	srv.Username, srv.Password = e.cfg.Server.Username, e.cfg.Server.Password
	if err := srv.Load(); err != nil {
		return fmt.Errorf("failed to load share: %w", err)
	}

	server := &http.Server{
		Addr:              *addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	e.logger.Info("serving file share", "addr", *addr, "dir", *dir)
	e.out.Success("serving %s on http://%s", *dir, *addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runAddHost(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("add-host", flag.ContinueOnError)
	var h config.HostConfig
	fs.StringVar(&h.Name, "name", "", "host name, unique in the config")
	fs.StringVar((*string)(&h.Type), "type", "", "fileshare, owncloud, s3, semantic or transcode (detected when empty)")
	fs.StringVar(&h.URL, "url", "", "base URL")
	fs.StringVar(&h.Username, "user", "", "basic auth user, or S3 access key")
	fs.StringVar(&h.Password, "password", "", "basic auth password, or S3 secret key (prompted when empty)")
	fs.StringVar(&h.Token, "token", "", "bearer token")
	fs.StringVar(&h.Bucket, "bucket", "", "S3 bucket")
	fs.StringVar(&h.Region, "region", "", "S3 region")
	fs.StringVar(&h.Endpoint, "endpoint", "", "S3 compatible endpoint")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, exists := e.cfg.Host(h.Name); exists {
		return fmt.Errorf("host %q already exists", h.Name)
	}

	if h.Type == "" {
		var doer domain.Doer = transport.NewHTTPClient()
		if h.Username != "" {
			doer = &transport.BasicAuth{Doer: doer, Username: h.Username, Password: h.Password}
		}
		detectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		detected, err := hosts.DetectHostType(detectCtx, h.URL, doer)
		cancel()
		if err != nil {
			return err
		}
		e.out.Success("detected %s", detected)
		h.Type = detected
	}

	e.cfg.Hosts = append(e.cfg.Hosts, h)
	if err := e.cfg.Validate(); err != nil {
		return err
	}
	if err := config.SaveConfig(e.cfg, e.configPath); err != nil {
		return err
	}
	e.out.Success("added host %s (%d configured)", h.Name, len(e.cfg.Hosts))
	return nil
}
