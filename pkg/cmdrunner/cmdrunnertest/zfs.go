package cmdrunnertest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const gib = int64(1) << 30

// ZFS simulates the subset of zfs/zpool behavior the reconcilers rely on:
// dataset and snapshot existence, clone origins, promote, rename and
// properties. Install it on a Fake to answer "zfs" and "zpool" commands.
type ZFS struct {
	datasets map[string]map[string]string
	pools    map[string]map[string]string
	mu       sync.Mutex
}

// NewZFS returns an empty simulated pool set.
func NewZFS() *ZFS {
	return &ZFS{
		datasets: map[string]map[string]string{},
		pools:    map[string]map[string]string{},
	}
}

// Install registers the simulator on f for the given binaries.
func (z *ZFS) Install(f *Fake, zfsBinary, zpoolBinary string) *ZFS {
	f.Handle(zfsBinary+" ", z.handleZFS)
	f.Handle(zpoolBinary+" ", z.handleZpool)
	return z
}

// AddPool creates a pool with properties and its root dataset.
func (z *ZFS) AddPool(name string, props map[string]string) *ZFS {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.pools[name] = copyProps(props)
	if _, ok := z.datasets[name]; !ok {
		z.datasets[name] = map[string]string{"type": "filesystem"}
	}
	return z
}

// AddDataset creates a dataset (or snapshot) with properties.
func (z *ZFS) AddDataset(path string, props map[string]string) *ZFS {
	z.mu.Lock()
	defer z.mu.Unlock()
	p := copyProps(props)
	if _, ok := p["type"]; !ok {
		switch {
		case strings.Contains(path, "@"):
			p["type"] = "snapshot"
		case p["volsize"] != "":
			p["type"] = "volume"
		default:
			p["type"] = "filesystem"
		}
	}
	z.datasets[path] = p
	return z
}

// Exists reports whether a dataset or snapshot exists.
func (z *ZFS) Exists(path string) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	_, ok := z.datasets[path]
	return ok
}

// Property returns a dataset property, or "" when unset.
func (z *ZFS) Property(path, key string) string {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.datasets[path][key]
}

// Names returns every dataset and snapshot path, sorted.
func (z *ZFS) Names() []string {
	z.mu.Lock()
	defer z.mu.Unlock()
	names := make([]string, 0, len(z.datasets))
	for name := range z.datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (z *ZFS) handleZFS(argv []string) Response {
	z.mu.Lock()
	defer z.mu.Unlock()

	if len(argv) < 2 {
		return Fail(2, "missing command")
	}
	args := argv[2:]
	switch argv[1] {
	case "list":
		return z.list(args)
	case "create":
		return z.create(args)
	case "destroy":
		return z.destroy(args)
	case "snapshot":
		return z.snapshot(args)
	case "clone":
		return z.clone(args)
	case "promote":
		return z.promote(args)
	case "rename":
		return z.rename(args)
	case "set":
		return z.set(args)
	case "get":
		return z.get(args, z.datasets)
	default:
		return Fail(2, fmt.Sprintf("unrecognized command '%s'", argv[1]))
	}
}

func (z *ZFS) handleZpool(argv []string) Response {
	z.mu.Lock()
	defer z.mu.Unlock()

	if len(argv) < 2 || argv[1] != "get" {
		return Fail(2, "unsupported zpool command")
	}
	return z.get(argv[2:], z.pools)
}

func (z *ZFS) list(args []string) Response {
	if len(args) == 0 {
		return Fail(2, "missing dataset")
	}
	path := args[len(args)-1]
	props, ok := z.datasets[path]
	if !ok {
		return Fail(1, fmt.Sprintf("cannot open '%s': dataset does not exist", path))
	}

	depth := -1
	if d := argAfter(args, "-d"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil {
			return Fail(2, fmt.Sprintf("invalid depth %q", d))
		}
		depth = n
	}
	if !contains(args, "-r") && depth < 0 {
		return OK(fmt.Sprintf("%s\t%s\t%s\t-\t-\n", path, "0B", props["available"]))
	}

	wantVolumes := contains(args, "volume")
	var names []string
	for name, p := range z.datasets {
		if name != path && !strings.HasPrefix(name, path+"/") {
			continue
		}
		if depth >= 0 && strings.Count(strings.TrimPrefix(name, path), "/") > depth {
			continue
		}
		if wantVolumes && p["type"] != "volume" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return OK("")
	}
	return OK(strings.Join(names, "\n") + "\n")
}

func (z *ZFS) create(args []string) Response {
	props := map[string]string{"type": "filesystem"}
	var path string
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case strings.HasPrefix(a, "-V"):
			size, err := parseSize(strings.TrimPrefix(a, "-V"))
			if err != nil {
				return Fail(2, err.Error())
			}
			props["volsize"] = strconv.FormatInt(size, 10)
			props["type"] = "volume"
		case a == "-s":
			props["refreservation"] = "none"
		case a == "-o" && i+1 < len(args):
			k, v, _ := strings.Cut(args[i+1], "=")
			props[k] = v
			i++
		default:
			path = a
		}
	}
	if _, ok := z.datasets[path]; ok {
		return Fail(1, fmt.Sprintf("cannot create '%s': dataset already exists", path))
	}
	if parent := parentOf(path); parent != "" {
		if _, ok := z.datasets[parent]; !ok {
			return Fail(1, fmt.Sprintf("cannot create '%s': parent does not exist", path))
		}
	}
	z.datasets[path] = props
	return OK("")
}

func (z *ZFS) destroy(args []string) Response {
	if len(args) == 0 {
		return Fail(2, "missing dataset")
	}
	path := args[len(args)-1]
	if _, ok := z.datasets[path]; !ok {
		if strings.Contains(path, "@") {
			return Fail(1, "could not find any snapshots to destroy; check snapshot names.")
		}
		return Fail(1, fmt.Sprintf("cannot open '%s': dataset does not exist", path))
	}
	for name, p := range z.datasets {
		if p["origin"] == path {
			return Fail(1, fmt.Sprintf("cannot destroy '%s': snapshot has dependent clones\nuse '-R' to destroy the following datasets:\n%s", path, name))
		}
		if strings.HasPrefix(name, path+"@") || strings.HasPrefix(name, path+"/") {
			return Fail(1, fmt.Sprintf("cannot destroy '%s': volume has children", path))
		}
	}
	delete(z.datasets, path)
	return OK("")
}

func (z *ZFS) snapshot(args []string) Response {
	if len(args) == 0 {
		return Fail(2, "missing snapshot")
	}
	path := args[len(args)-1]
	vol, _, ok := strings.Cut(path, "@")
	if !ok {
		return Fail(2, fmt.Sprintf("invalid snapshot name '%s'", path))
	}
	src, exists := z.datasets[vol]
	if !exists {
		return Fail(1, fmt.Sprintf("cannot open '%s': dataset does not exist", vol))
	}
	if _, exists := z.datasets[path]; exists {
		return Fail(1, fmt.Sprintf("cannot create snapshot '%s': dataset already exists", path))
	}
	z.datasets[path] = map[string]string{"type": "snapshot", "volsize": src["volsize"]}
	return OK("")
}

func (z *ZFS) clone(args []string) Response {
	if len(args) < 2 {
		return Fail(2, "missing arguments")
	}
	snap, dst := args[len(args)-2], args[len(args)-1]
	src, ok := z.datasets[snap]
	if !ok {
		return Fail(1, fmt.Sprintf("cannot open '%s': dataset does not exist", snap))
	}
	if _, exists := z.datasets[dst]; exists {
		return Fail(1, fmt.Sprintf("cannot create '%s': dataset already exists", dst))
	}
	z.datasets[dst] = map[string]string{"type": "volume", "volsize": src["volsize"], "origin": snap}
	return OK("")
}

func (z *ZFS) promote(args []string) Response {
	if len(args) == 0 {
		return Fail(2, "missing dataset")
	}
	path := args[len(args)-1]
	props, ok := z.datasets[path]
	if !ok {
		return Fail(1, fmt.Sprintf("cannot open '%s': dataset does not exist", path))
	}
	origin := props["origin"]
	if origin == "" {
		return Fail(1, fmt.Sprintf("cannot promote '%s': not a cloned filesystem", path))
	}

	srcVol, snapName, _ := strings.Cut(origin, "@")
	moved := path + "@" + snapName
	z.datasets[moved] = z.datasets[origin]
	delete(z.datasets, origin)
	delete(props, "origin")
	if src, ok := z.datasets[srcVol]; ok {
		src["origin"] = moved
	}
	for _, p := range z.datasets {
		if p["origin"] == origin {
			p["origin"] = moved
		}
	}
	return OK("")
}

func (z *ZFS) rename(args []string) Response {
	if len(args) < 2 {
		return Fail(2, "missing arguments")
	}
	oldPath, newPath := args[len(args)-2], args[len(args)-1]
	if _, ok := z.datasets[oldPath]; !ok {
		return Fail(1, fmt.Sprintf("cannot open '%s': dataset does not exist", oldPath))
	}
	if _, ok := z.datasets[newPath]; ok {
		return Fail(1, fmt.Sprintf("cannot rename to '%s': dataset already exists", newPath))
	}
	for name, p := range z.datasets {
		if name == oldPath {
			z.datasets[newPath] = p
			delete(z.datasets, name)
		} else if strings.HasPrefix(name, oldPath+"@") {
			z.datasets[newPath+strings.TrimPrefix(name, oldPath)] = p
			delete(z.datasets, name)
		}
	}
	return OK("")
}

func (z *ZFS) set(args []string) Response {
	if len(args) < 2 {
		return Fail(2, "missing arguments")
	}
	kv, path := args[0], args[1]
	props, ok := z.datasets[path]
	if !ok {
		return Fail(1, fmt.Sprintf("cannot open '%s': dataset does not exist", path))
	}
	k, v, ok := strings.Cut(kv, "=")
	if !ok {
		return Fail(2, fmt.Sprintf("missing '=' for property argument '%s'", kv))
	}
	if k == "volsize" {
		size, err := parseSize(v)
		if err != nil {
			return Fail(1, fmt.Sprintf("cannot set property for '%s': bad numeric value '%s'", path, v))
		}
		v = strconv.FormatInt(size, 10)
	}
	props[k] = v
	return OK("")
}

func (z *ZFS) get(args []string, table map[string]map[string]string) Response {
	var rest []string
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			rest = append(rest, a)
		}
	}
	if len(rest) < 2 {
		return Fail(2, "missing arguments")
	}
	key, target := rest[0], rest[1]
	props, ok := table[target]
	if !ok {
		return Fail(1, fmt.Sprintf("cannot open '%s': dataset does not exist", target))
	}
	value, ok := props[key]
	if !ok || value == "" {
		value = "-"
	}
	return OK(fmt.Sprintf("%s\t%s\t%s\t-\n", target, key, value))
}

func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "g"), strings.HasSuffix(s, "G"):
		mult = gib
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "m"), strings.HasSuffix(s, "M"):
		mult = 1 << 20
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad size %q: %w", s, err)
	}
	return n * mult, nil
}

func parentOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	return path[:i]
}

// argAfter returns the argument following flag, or "".
func argAfter(args []string, flag string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func contains(args []string, s string) bool {
	for _, a := range args {
		if a == s {
			return true
		}
	}
	return false
}

func copyProps(props map[string]string) map[string]string {
	out := make(map[string]string, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
