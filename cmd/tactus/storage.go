package main

import (
	"path/filepath"
	"strings"

	redisdriver "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"tactus.dev/tactus/config"
	"tactus.dev/tactus/features/storage/mongo"
	"tactus.dev/tactus/features/storage/redis"
	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/storage"
	"tactus.dev/tactus/runtime/procedure/storage/disk"
	storageinmem "tactus.dev/tactus/runtime/procedure/storage/inmem"
)

const (
	defaultRedisAddr = "localhost:6379"
	defaultMongoURI  = "mongodb://localhost:27017"
	defaultMongoDB   = "tactus"
)

// openStorage builds the invocation store. The --storage flag wins over the
// project config; both default to the in-memory backend. The disk backend
// roots under the project directory unless the config names a path.
func openStorage(choice, dir string, project *config.Project) (storage.Backend, error) {
	if choice == "" {
		choice = project.Storage.Backend
	}
	switch choice {
	case "", "mem":
		return storageinmem.New(), nil
	case "disk":
		root := project.Storage.Path
		if root == "" {
			root = filepath.Join(dir, ".tactus", "storage")
		}
		return disk.New(root)
	case "redis":
		client, err := redisClient(project.Storage.URL)
		if err != nil {
			return nil, err
		}
		return redis.New(redis.Options{Redis: client})
	case "mongo":
		uri := project.Storage.URL
		if uri == "" {
			uri = defaultMongoURI
		}
		client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "connect to mongo")
		}
		database := project.Storage.Database
		if database == "" {
			database = defaultMongoDB
		}
		return mongo.New(mongo.Options{Client: client, Database: database})
	default:
		return nil, fault.New(fault.KindValidation, "unknown storage backend %q (want mem, disk, redis, or mongo)", choice)
	}
}

// redisClient accepts either a redis:// URL or a bare host:port address.
func redisClient(url string) (*redisdriver.Client, error) {
	if url == "" {
		return redisdriver.NewClient(&redisdriver.Options{Addr: defaultRedisAddr}), nil
	}
	if strings.Contains(url, "://") {
		opts, err := redisdriver.ParseURL(url)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, err, "parse redis url")
		}
		return redisdriver.NewClient(opts), nil
	}
	return redisdriver.NewClient(&redisdriver.Options{Addr: url}), nil
}
