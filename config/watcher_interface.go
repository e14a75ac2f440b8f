package config

// Watcher is implemented by ConfigWatcher and by test doubles.
type Watcher interface {
	GetCurrentConfig() *Config
	Subscribe() <-chan *Config
	Close() error
}
