package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"

	"whiteboard/api/internal/access"
	"whiteboard/api/internal/bundle"
	"whiteboard/api/internal/config"
	"whiteboard/api/internal/host"
	"whiteboard/api/internal/jobs"
	"whiteboard/api/internal/lock"
	"whiteboard/api/internal/proxy"
	"whiteboard/api/internal/reconcile"
	"whiteboard/api/internal/session"
	"whiteboard/api/internal/snapshot"
	"whiteboard/api/internal/spacedeck"
	"whiteboard/api/internal/store"
)

// Components is the object graph shared by the API server and the cleanup
// command.
type Components struct {
	Config     config.Config
	Upstream   config.Upstream
	DB         *sql.DB
	Sessions   *store.SessionStore
	Catalog    *host.Catalog
	Documents  *host.Documents
	Spacedeck  *spacedeck.Client
	Access     *access.Resolver
	Snapshots  *snapshot.Service
	Broker     *session.Service
	Proxy      *proxy.Proxy
	Cleanup    *jobs.Cleanup
	Launcher   *bundle.Launcher
	Reconciler *reconcile.Reconciler

	redisLocker *lock.RedisLocker
}

// Build opens the database, applies migrations and wires every component
// for the deployment mode in cfg.
func Build(ctx context.Context, cfg config.Config) (*Components, error) {
	c := &Components{Config: cfg, Upstream: cfg.Upstream()}
	if c.Upstream.BaseURL == "" {
		return nil, errors.New("spacedeck.base_url is required in remote mode")
	}

	db, dialect, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	c.DB = db
	if err := store.ApplyMigrations(ctx, db, dialect, cfg.Database.MigrationsDir); err != nil {
		c.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	c.Sessions = store.NewSessionStore(db, dialect)
	c.Catalog = host.NewCatalog(db, dialect)

	var minioClient *minio.Client
	if cfg.Documents.Backend == "minio" || (c.managesStorage() && cfg.Spacedeck.StorageBackend == "minio") {
		minioClient, err = host.NewMinioClient(host.MinioOptions{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			UseSSL:    cfg.Minio.UseSSL,
		})
		if err != nil {
			c.Close()
			return nil, err
		}
	}

	var content host.ContentStore
	switch cfg.Documents.Backend {
	case "minio":
		content, err = host.NewMinioContent(ctx, minioClient, cfg.Documents.Bucket)
	case "fs", "":
		content, err = host.NewFSContent(cfg.Documents.Dir)
	default:
		err = fmt.Errorf("unknown documents backend %q", cfg.Documents.Backend)
	}
	if err != nil {
		c.Close()
		return nil, err
	}

	var locker lock.Locker
	if strings.TrimSpace(cfg.Redis.URL) != "" {
		log.Printf("Using Redis for document locks")
		redisLocker, err := lock.NewRedisLocker(cfg.Redis.URL, cfg.Redis.LockTTL)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		c.redisLocker = redisLocker
		locker = redisLocker
	} else {
		log.Printf("Using in-process document locks")
		locker = lock.NewMemoryLocker()
	}
	c.Documents = host.NewDocuments(c.Catalog, content, locker)

	c.Spacedeck = spacedeck.New(spacedeck.Options{
		BaseURL:    c.Upstream.BaseURL,
		APIToken:   c.Upstream.APIToken,
		Timeout:    cfg.Spacedeck.Timeout,
		BlockLocal: !cfg.Spacedeck.UseLocal && !cfg.Spacedeck.AllowLocalRemoteServers,
	})

	var launcher snapshot.Launcher
	if cfg.Spacedeck.UseLocal && cfg.Spacedeck.AppDataDir != "" {
		c.Launcher, err = bundle.New(bundle.Options{Dir: cfg.Spacedeck.AppDataDir, BaseURL: c.Upstream.BaseURL})
		if err != nil {
			c.Close()
			return nil, err
		}
		launcher = c.Launcher
	}

	c.Access = access.NewResolver(c.Catalog, c.Catalog)
	c.Snapshots = snapshot.New(c.Documents, c.Spacedeck, launcher)
	c.Broker = session.New(c.Sessions, c.Access, c.Snapshots, session.Options{
		Timeout:     cfg.Sessions.Timeout,
		SaveTimeout: cfg.Sessions.SaveTimeout,
	})
	c.Proxy = proxy.New(c.Spacedeck, c.Access, c.Snapshots, proxy.Options{
		SessionMediated: c.Upstream.SessionMediated,
		HostCookie:      cfg.Auth.CookieName,
		SocketOrigin:    cfg.Server.CORSOrigin,
	})

	var reconciler jobs.StorageReconciler
	if c.managesStorage() {
		var bucket reconcile.Bucket
		switch cfg.Spacedeck.StorageBackend {
		case "minio":
			bucket = reconcile.NewMinioBucket(minioClient, cfg.Spacedeck.StorageBucket)
		default:
			dir := cfg.Spacedeck.StorageDir
			if dir == "" && cfg.Spacedeck.AppDataDir != "" {
				dir = filepath.Join(cfg.Spacedeck.AppDataDir, "storage", "my_spacedeck_bucket")
			}
			bucket = reconcile.NewFSBucket(dir)
		}
		c.Reconciler = reconcile.New(c.Spacedeck, c.Documents, bucket)
		reconciler = c.Reconciler
	}
	c.Cleanup = jobs.NewCleanup(c.Broker, reconciler, cfg.Sessions.CleanupInterval)
	return c, nil
}

// managesStorage is true when Spacedeck runs next to this process, so its
// upload storage is reachable for reconciliation.
func (c *Components) managesStorage() bool {
	return c.Config.Spacedeck.UseLocal
}

// Service builds the HTTP facade over the components.
func (c *Components) Service() *Service {
	deps := Deps{
		DB:        c.Sessions,
		Snapshots: c.Snapshots,
		Sessions:  c.Broker,
		Access:    c.Access,
		Proxy:     c.Proxy,
		Spaces:    c.Spacedeck,
		UseLocal:  c.Config.Spacedeck.UseLocal,
	}
	if c.redisLocker != nil {
		deps.Locker = c.redisLocker
	}
	if c.Launcher != nil {
		deps.Launcher = c.Launcher
	}
	return NewService(deps)
}

func (c *Components) Close() {
	if c.redisLocker != nil {
		_ = c.redisLocker.Close()
	}
	if c.DB != nil {
		_ = c.DB.Close()
	}
}
