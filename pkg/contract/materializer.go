package contract

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/sashimono/agent/pkg/log"
	"github.com/sashimono/agent/pkg/types"
)

const (
	// HPConfigFile is the contract config path relative to the contract dir
	HPConfigFile = "cfg/hp.cfg"

	tlsCertFile = "cfg/tlscert.pem"
	tlsKeyFile  = "cfg/tlskey.pem"

	// runAs is the fixed uid:gid the contract binary runs as in-container
	runAs = "10000:10000"

	bootstrapBinary = "bootstrap_contract"
)

// Materializer clones the configured contract template into per-instance
// directories and patches their configuration.
type Materializer struct {
	templateDir string
}

// NewMaterializer builds a materializer over the template tree
func NewMaterializer(templateDir string) *Materializer {
	return &Materializer{templateDir: templateDir}
}

// Materialize produces a ready-to-run contract directory at contractDir:
// template copy, hp.cfg patch, fresh keys, self-signed TLS material, atomic
// move into place, recursive chown to the instance user. On failure nothing
// is left at contractDir.
func (m *Materializer) Materialize(username, ownerPubkey, contractID, contractDir string, ports types.PortPair) (*Keypair, error) {
	staging, err := os.MkdirTemp("/tmp", "sashimono-contract-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := copyTree(m.templateDir, staging); err != nil {
		return nil, fmt.Errorf("failed to copy contract template: %w", err)
	}

	keys, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}

	if err := m.patchConfig(staging, keys, ownerPubkey, contractID, ports); err != nil {
		return nil, err
	}

	if err := WriteTLSCert(username,
		filepath.Join(staging, tlsCertFile),
		filepath.Join(staging, tlsKeyFile)); err != nil {
		return nil, err
	}

	if err := os.Rename(staging, contractDir); err != nil {
		return nil, fmt.Errorf("failed to move contract directory into place: %w", err)
	}

	if err := chownTree(contractDir, username); err != nil {
		os.RemoveAll(contractDir)
		return nil, err
	}

	log.WithComponent("contract").Info().
		Str("dir", contractDir).Str("user", username).Msg("contract materialized")
	return keys, nil
}

// patchConfig applies the standard instance settings to cfg/hp.cfg
func (m *Materializer) patchConfig(dir string, keys *Keypair, ownerPubkey, contractID string, ports types.PortPair) error {
	doc, err := loadConfig(dir)
	if err != nil {
		return err
	}

	SetPath(doc, keys.PublicKey, "node", "public_key")
	SetPath(doc, keys.PrivateKey, "node", "private_key")
	SetPath(doc, 2, "node", "history_config", "max_primary_shards")
	SetPath(doc, 2, "node", "history_config", "max_raw_shards")

	SetPath(doc, contractID, "contract", "id")
	SetPath(doc, runAs, "contract", "run_as")
	SetPath(doc, []interface{}{keys.PublicKey}, "contract", "unl")
	SetPath(doc, bootstrapBinary, "contract", "bin_path")
	SetPath(doc, ownerPubkey, "contract", "bin_args")

	SetPath(doc, ports.Peer, "mesh", "port")
	SetPath(doc, ports.User, "user", "port")

	SetPath(doc, true, "hpfs", "external")
	SetPath(doc, "err", "hpfs", "log", "log_level")

	SetPath(doc, "inf", "log", "log_level")
	SetPath(doc, 5, "log", "max_mbytes_per_file")
	SetPath(doc, 10, "log", "max_file_count")

	return saveConfig(dir, doc)
}

// ApplyOverrides merges a sparse config overlay into an existing hp.cfg,
// preserving keys the overlay does not mention.
func (m *Materializer) ApplyOverrides(contractDir string, overlay map[string]interface{}) error {
	if len(overlay) == 0 {
		return nil
	}

	doc, err := loadConfig(contractDir)
	if err != nil {
		return err
	}
	Merge(doc, overlay)
	return saveConfig(contractDir, doc)
}

// ServiceSettings are the hp.cfg fields the filesystem services depend on
type ServiceSettings struct {
	History      types.HistoryMode
	HpfsLogLevel string
}

// ReadServiceSettings extracts history mode and hpfs log level from an
// instance's hp.cfg. Missing fields fall back to full history / err level.
func (m *Materializer) ReadServiceSettings(contractDir string) (ServiceSettings, error) {
	doc, err := loadConfig(contractDir)
	if err != nil {
		return ServiceSettings{}, err
	}

	settings := ServiceSettings{History: types.HistoryFull, HpfsLogLevel: "err"}
	if h, ok := GetPath(doc, "node", "history").(string); ok && h != "" {
		settings.History = types.HistoryMode(h)
	}
	if l, ok := GetPath(doc, "hpfs", "log", "log_level").(string); ok && l != "" {
		settings.HpfsLogLevel = l
	}
	return settings, nil
}

func loadConfig(dir string) (map[string]interface{}, error) {
	raw, err := os.ReadFile(filepath.Join(dir, HPConfigFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read contract config: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse contract config: %w", err)
	}
	return doc, nil
}

func saveConfig(dir string, doc map[string]interface{}) error {
	out, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to serialize contract config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, HPConfigFile), out, 0644); err != nil {
		return fmt.Errorf("failed to write contract config: %w", err)
	}
	return nil
}

// copyTree recursively copies src into dst preserving file modes
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		if d.IsDir() {
			if rel == "." {
				return nil
			}
			return os.MkdirAll(target, info.Mode().Perm())
		}

		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()

		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		defer out.Close()

		_, err = io.Copy(out, in)
		return err
	})
}

// chownTree recursively assigns ownership of dir to username:username
func chownTree(dir, username string) error {
	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("failed to look up user %s: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("invalid uid for user %s: %w", username, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("invalid gid for user %s: %w", username, err)
	}

	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return os.Chown(path, uid, gid)
	})
}
