package registry

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"rubin.dev/node/smsg/addr"
)

// Options mirrors the [Options] section of smsg.ini (spec.md §6).
type Options struct {
	NewAddressRecv bool
	NewAddressAnon bool
	ScanIncoming   bool

	// AddressVersion is the base58check version byte used when
	// deriving an address from a harvested pubkey. Not part of the
	// on-disk [Options] section; set by the host at construction time.
	AddressVersion byte
}

func configPath(datadir string) string {
	return filepath.Join(datadir, "smsg.ini")
}

// Load reads <datadir>/smsg.ini, populating the registry's options and
// address entries. A missing file is not an error: the registry starts
// empty and Save will create it.
func (r *Registry) Load(datadir string, addressVersion byte) error {
	r.configPath = configPath(datadir)
	r.options.AddressVersion = addressVersion

	f, err := os.Open(r.configPath) // #nosec G304 -- path derived from operator-controlled datadir
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("registry: open config: %w", err)
	}
	defer f.Close()

	entries := make(map[string]*AddressEntry)
	var opts Options
	opts.AddressVersion = addressVersion

	section := ""
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			slog.Warn("smsg: registry: malformed config line, ignored", "line", line)
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)

		switch section {
		case "Options":
			b, err := strconv.ParseBool(value)
			if err != nil {
				slog.Warn("smsg: registry: malformed option value, ignored", "key", key, "value", value)
				continue
			}
			switch key {
			case "newAddressRecv":
				opts.NewAddressRecv = b
			case "newAddressAnon":
				opts.NewAddressAnon = b
			case "scanIncoming":
				opts.ScanIncoming = b
			default:
				slog.Warn("smsg: registry: unknown config option, ignored", "key", key)
			}
		case "Keys":
			if key != "key" {
				slog.Warn("smsg: registry: unknown config key, ignored", "key", key)
				continue
			}
			e, err := parseKeyLine(value)
			if err != nil {
				slog.Warn("smsg: registry: malformed key line, ignored", "value", value, "err", err)
				continue
			}
			entries[e.Address] = e
		default:
			slog.Warn("smsg: registry: config line outside a known section, ignored", "line", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("registry: read config: %w", err)
	}

	r.mu.Lock()
	r.options = opts
	r.entries = entries
	r.mu.Unlock()
	return nil
}

// parseKeyLine parses "key=<address>|<recvEnabled>|<recvAnon>" (spec.md §6).
func parseKeyLine(value string) (*AddressEntry, error) {
	fields := strings.Split(value, "|")
	if len(fields) != 3 {
		return nil, fmt.Errorf("expected 3 fields, got %d", len(fields))
	}
	address := fields[0]
	recvEnabled, err := strconv.ParseBool(fields[1])
	if err != nil {
		return nil, fmt.Errorf("recvEnabled: %w", err)
	}
	recvAnon, err := strconv.ParseBool(fields[2])
	if err != nil {
		return nil, fmt.Errorf("recvAnon: %w", err)
	}
	version, keyHash, err := addr.DecodeAddress(address)
	if err != nil {
		return nil, fmt.Errorf("address: %w", err)
	}
	return &AddressEntry{
		Address:     address,
		Version:     version,
		KeyHash:     keyHash,
		RecvEnabled: recvEnabled,
		RecvAnon:    recvAnon,
	}, nil
}

// writeThrough persists to r.configPath if Load has run; it is a no-op
// before the registry has a configured path (e.g. in unit tests that
// build a Registry without Load).
func (r *Registry) writeThrough() error {
	if r.configPath == "" {
		return nil
	}
	return r.Save()
}

// Save writes smsg.ini as a crash-safe commit point: write temp,
// fsync, rename, fsync directory. Grounded on node/store/manifest.go's
// writeManifestAtomic.
func (r *Registry) Save() error {
	if r.configPath == "" {
		return fmt.Errorf("registry: save: no config path (Load was never called)")
	}

	r.mu.RLock()
	opts := r.options
	entries := make([]*AddressEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var b strings.Builder
	b.WriteString("[Options]\n")
	fmt.Fprintf(&b, "newAddressRecv=%t\n", opts.NewAddressRecv)
	fmt.Fprintf(&b, "newAddressAnon=%t\n", opts.NewAddressAnon)
	fmt.Fprintf(&b, "scanIncoming=%t\n", opts.ScanIncoming)
	b.WriteString("\n[Keys]\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "key=%s|%t|%t\n", e.Address, e.RecvEnabled, e.RecvAnon)
	}

	dir := filepath.Dir(r.configPath)
	tmp := r.configPath + "~"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) // #nosec G304 -- tmp path derived from operator-controlled datadir
	if err != nil {
		return fmt.Errorf("registry: open temp config: %w", err)
	}
	_, werr := f.WriteString(b.String())
	serr := f.Sync()
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("registry: write temp config: %w", werr)
	}
	if serr != nil {
		return fmt.Errorf("registry: fsync temp config: %w", serr)
	}
	if cerr != nil {
		return fmt.Errorf("registry: close temp config: %w", cerr)
	}
	if err := os.Rename(tmp, r.configPath); err != nil {
		return fmt.Errorf("registry: rename config: %w", err)
	}

	d, err := os.Open(dir) // #nosec G304 -- dir derived from operator-controlled datadir
	if err != nil {
		return fmt.Errorf("registry: fsync config dir open: %w", err)
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return fmt.Errorf("registry: fsync config dir: %w", err)
	}
	return d.Close()
}
