package conf

import (
	"os"
	"path/filepath"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v2"

	"github.com/latticedb/lattice/dberr"
)

// InstanceOptions is the on-disk YAML shape of an instance's options file,
// the one `--instance <name>` resolves to a path for. Sizes accept the
// datasize human-readable forms ("64MiB") in addition to raw byte counts.
type InstanceOptions struct {
	// DataDir is the instance's data directory.
	DataDir string `yaml:"data_dir"`

	// CipherID names the cipher new databases are created with by
	// default, e.g. "aes128" or "aes256".
	CipherID string `yaml:"cipher_id"`

	// DataAreaSize is a Column Data Block's data area size.
	DataAreaSize datasize.ByteSize `yaml:"data_area_size"`

	// OpenBlockCache bounds the LRU of open Column Data Blocks per
	// column.
	OpenBlockCache int `yaml:"open_block_cache"`

	// ExecutorWorkers sizes the dispatcher's executor pool.
	ExecutorWorkers int `yaml:"executor_workers"`

	// MaxRestRows and MaxRestPayload cap a REST POST/PATCH body's row
	// count and byte size respectively.
	MaxRestRows    int               `yaml:"max_rest_rows"`
	MaxRestPayload datasize.ByteSize `yaml:"max_rest_payload"`

	SQLListenAddr  string `yaml:"sql_listen_addr"`
	RESTListenAddr string `yaml:"rest_listen_addr"`

	Logger LoggerConfig `yaml:"logger"`
}

// DefaultInstanceOptions returns sane defaults for a freshly bootstrapped
// instance; LoadInstanceOptions layers a file's contents on top of these.
func DefaultInstanceOptions() InstanceOptions {
	return InstanceOptions{
		CipherID:        "aes128",
		DataAreaSize:    4 * datasize.MB,
		OpenBlockCache:  64,
		ExecutorWorkers: 4,
		MaxRestRows:     10000,
		MaxRestPayload:  16 * datasize.MB,
		SQLListenAddr:   "127.0.0.1:4242",
		RESTListenAddr:  "127.0.0.1:4243",
		Logger:          DefaultLoggerConfig(),
	}
}

// LoadInstanceOptions reads and parses an instance options file, applying
// DefaultInstanceOptions for any zero-valued field the file leaves unset.
func LoadInstanceOptions(path string) (InstanceOptions, error) {
	opt := DefaultInstanceOptions()
	buf, err := os.ReadFile(path)
	if err != nil {
		return InstanceOptions{}, dberr.Wrapf(dberr.IoError, err, "read instance options file %q", path)
	}
	if err := yaml.Unmarshal(buf, &opt); err != nil {
		return InstanceOptions{}, dberr.Wrapf(dberr.InvalidArgument, err, "parse instance options file %q", path)
	}
	if opt.DataDir == "" {
		return InstanceOptions{}, dberr.Newf(dberr.InvalidArgument, "instance options file %q is missing data_dir", path)
	}
	return opt, nil
}

// InstanceOptionsPath resolves the "--instance <name>" convention to a
// concrete file path: <configDir>/<name>.yaml.
func InstanceOptionsPath(configDir, name string) string {
	return filepath.Join(configDir, name+".yaml")
}
