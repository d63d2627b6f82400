// Package share wires the overlay tree, the sync processor, and their
// shared configuration together (spec §4 "Share"), owning the content
// cache and breaking the tree/processor reference cycle by constructing
// the processor from collaborator interfaces rather than handing it the
// tree (spec §9).
package share

import (
	"io/ioutil"
	"net/http"
	"net/url"
	"os"
	"path"

	gocache "github.com/patrickmn/go-cache"
	"gopkg.in/yaml.v2"

	"github.com/rqtree/rqshare/localtree"
	"github.com/rqtree/rqshare/overlay"
	"github.com/rqtree/rqshare/queue"
	"github.com/rqtree/rqshare/remotetree"
	"github.com/rqtree/rqshare/rest"
	"github.com/rqtree/rqshare/rqerrors"
	"github.com/rqtree/rqshare/syncproc"
	"github.com/rqtree/rqshare/vfscommon"
)

// Share holds configuration {local.path, work.path, remotePrefix} (spec
// §6 "Share") and the content cache, and exposes the constructed Overlay
// Tree and Sync Processor.
type Share struct {
	Opt *vfscommon.Options

	Tree      *overlay.Tree
	Processor *syncproc.Processor

	cache *gocache.Cache
	q     *queue.Queue
}

// LoadOptions reads share configuration from a YAML file at path,
// defaulting and normalizing it per vfscommon.Options.Init.
func LoadOptions(path string) (*vfscommon.Options, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, rqerrors.Wrap(rqerrors.Io, err, "read config "+path)
	}
	opt := vfscommon.DefaultOpt
	if err := yaml.Unmarshal(data, &opt); err != nil {
		return nil, rqerrors.Wrap(rqerrors.Io, err, "parse config "+path)
	}
	opt.Init()
	return &opt, nil
}

// New constructs a Share from opt, opening the durable queue and
// connecting to the remote repository.
func New(opt *vfscommon.Options) (*Share, error) {
	opt.Init()

	if opt.Queue.DBPath == "" {
		return nil, rqerrors.New(rqerrors.Io, "queue.db_path is required")
	}
	if err := os.MkdirAll(opt.Local.Path, 0755); err != nil {
		return nil, rqerrors.Wrap(rqerrors.Io, err, "create local tree root")
	}
	if err := os.MkdirAll(opt.Work.Path, 0755); err != nil {
		return nil, rqerrors.Wrap(rqerrors.Io, err, "create work tree root")
	}

	q, err := queue.Open(opt.Queue.DBPath)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: opt.Remote.Timeout}
	var restClient *rest.Client
	switch opt.Remote.AuthMode {
	case vfscommon.AuthNTLM:
		restClient = rest.NewNTLMClient(httpClient, opt.Remote.Username, opt.Remote.Password)
	case vfscommon.AuthBasic:
		restClient = rest.NewClient(httpClient)
		restClient.SetHeader("__auth_user", opt.Remote.Username)
		restClient.SetHeader("__auth_pass", opt.Remote.Password)
	default:
		restClient = rest.NewClient(httpClient)
	}

	l := localtree.New(opt.Local.Path)
	w := localtree.New(opt.Work.Path)
	r := remotetree.New(restClient, opt.Remote.Prefix, "/").
		SetPacer(opt.Remote.MinBackoff, opt.Remote.MaxBackoff, opt.Remote.Retries)

	s := &Share{
		Opt:   opt,
		cache: gocache.New(opt.Cache.TTL, opt.Cache.TTL*2),
		q:     q,
	}
	s.Tree = overlay.New(l, w, r, q, opt, s)
	s.Processor = syncproc.New(q, r, w, opt)
	return s, nil
}

// Close releases the durable queue handle.
func (s *Share) Close() error {
	return s.q.Close()
}

// InvalidateContentCache implements overlay.CacheInvalidator. The cache
// is invalidated, never mutated, from the overlay tree (spec §5 "Shared
// resources").
func (s *Share) InvalidateContentCache(parentPath string, recursive bool) {
	s.cache.Delete(parentPath)
	if recursive {
		for key := range s.cache.Items() {
			if key == parentPath || isUnder(key, parentPath) {
				s.cache.Delete(key)
			}
		}
	}
}

func isUnder(name, prefix string) bool {
	if prefix == "/" {
		return name != "/"
	}
	return len(name) > len(prefix) && name[:len(prefix)] == prefix && name[len(prefix)] == '/'
}

// CachedListing returns a previously cached listing for dir, if present
// and not expired.
func (s *Share) CachedListing(dir string) ([]overlay.Listing, bool) {
	v, ok := s.cache.Get(dir)
	if !ok {
		return nil, false
	}
	listing, ok := v.([]overlay.Listing)
	return listing, ok
}

// List returns the listing for dir, consulting and populating the
// content cache around a call to the overlay tree's merge algorithm.
func (s *Share) List(dir string) ([]overlay.Listing, error) {
	if cached, ok := s.CachedListing(dir); ok {
		return cached, nil
	}
	listing, err := s.Tree.List(dir)
	if err != nil {
		return nil, err
	}
	s.cache.Set(dir, listing, gocache.DefaultExpiration)
	return listing, nil
}

// BuildResourceURL returns the absolute URL for name on the remote
// repository (spec §6 "Share ... offers ... buildResourceUrl").
func (s *Share) BuildResourceURL(name string) (*url.URL, error) {
	base, err := url.Parse(s.Opt.Remote.Prefix)
	if err != nil {
		return nil, rqerrors.Wrap(rqerrors.Io, err, "parse remote prefix")
	}
	base.Path = path.Join(base.Path, name)
	return base, nil
}
