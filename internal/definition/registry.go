package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pitabwire/fabrica/internal/validate"
	"github.com/pitabwire/fabrica/model"
)

// TransformSet names the pre and post transforms definitions may reference.
// Transforms are registered in code; definitions bind them by name.
type TransformSet struct {
	Pre  map[string]model.PreTransform
	Post map[string]model.PostTransform
}

// snapshot is an immutable view of all compiled definitions.
type snapshot struct {
	clients  map[string]*model.ClientDescriptor
	methods  map[string]*model.MethodDescriptor
	checksum string
}

// Registry is a read-optimized, thread-safe store of compiled client and
// method descriptors. It uses atomic pointer swap for lock-free concurrent
// reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry validates and compiles the given definitions into a Registry.
// The schemas map is keyed by client ID; transforms may be nil when no
// definition names one.
func NewRegistry(defs []model.ClientDefinition, schemas map[string]*validate.SchemaIndex, transforms *TransformSet) (*Registry, error) {
	r := &Registry{}
	r.snap.Store(&snapshot{
		clients: map[string]*model.ClientDescriptor{},
		methods: map[string]*model.MethodDescriptor{},
	})
	if err := r.Replace(defs, schemas, transforms); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace validates the definitions, compiles them into a new snapshot, and
// atomically swaps the registry contents. On error the previous snapshot
// stays in place.
func (r *Registry) Replace(defs []model.ClientDefinition, schemas map[string]*validate.SchemaIndex, transforms *TransformSet) error {
	if errs := NewValidator().Validate(defs, schemas); len(errs) > 0 {
		return model.NewDefinitionInvalidError(FieldErrors(errs))
	}

	s := &snapshot{
		clients: make(map[string]*model.ClientDescriptor, len(defs)),
		methods: make(map[string]*model.MethodDescriptor),
	}

	var buildErrs []VError
	var checksumParts []string

	for i, def := range defs {
		prefix := fmt.Sprintf("clients[%d]", i)

		var index *validate.SchemaIndex
		if schemas != nil {
			index = schemas[def.Client]
		}

		client, errs := compileClient(prefix, def, index, transforms)
		if len(errs) > 0 {
			buildErrs = append(buildErrs, errs...)
			continue
		}

		s.clients[client.ID] = client
		for key, m := range client.Methods {
			s.methods[client.ID+"."+key] = m
		}
		checksumParts = append(checksumParts, def.Checksum)
	}

	if len(buildErrs) > 0 {
		return model.NewDefinitionInvalidError(FieldErrors(buildErrs))
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
	return nil
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Client returns the compiled descriptor for the given client ID.
func (r *Registry) Client(clientID string) (*model.ClientDescriptor, bool) {
	c, ok := r.current().clients[clientID]
	return c, ok
}

// Method returns the compiled descriptor for a fully qualified method
// reference, "client.resource.method".
func (r *Registry) Method(ref string) (*model.MethodDescriptor, bool) {
	m, ok := r.current().methods[ref]
	return m, ok
}

// Clients returns all compiled client descriptors sorted by ID.
func (r *Registry) Clients() []*model.ClientDescriptor {
	s := r.current()
	clients := make([]*model.ClientDescriptor, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return clients
}

// MethodRefs returns every method reference in the registry, sorted.
func (r *Registry) MethodRefs() []string {
	s := r.current()
	refs := make([]string, 0, len(s.methods))
	for ref := range s.methods {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

func compileClient(prefix string, def model.ClientDefinition, index *validate.SchemaIndex, transforms *TransformSet) (*model.ClientDescriptor, []VError) {
	var errs []VError

	engine, err := compileEngine(def.Engine)
	if err != nil {
		errs = append(errs, VError{Path: prefix + ".engine", Code: "INVALID_DURATION", Message: err.Error()})
	}

	client := &model.ClientDescriptor{
		ID:      def.Client,
		Version: def.Version,
		BaseURL: def.BaseURL,
		Headers: copyMap(def.Headers),
		Schema:  def.Schema,
		Auth:    def.Auth,
		Backend: def.Backend,
		Session: def.Session,
		Engine:  engine,
		Methods: make(map[string]*model.MethodDescriptor),
	}

	authenticated := def.Auth != nil && def.Auth.Type != "" && def.Auth.Type != "none"

	for i, res := range def.Resources {
		for j, m := range res.Methods {
			mp := fmt.Sprintf("%s.resources[%d].methods[%d]", prefix, i, j)

			d, merrs := compileMethod(mp, def.Client, res, m, authenticated, index, transforms)
			if len(merrs) > 0 {
				errs = append(errs, merrs...)
				continue
			}
			client.Methods[res.Name+"."+m.Name] = d
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return client, nil
}

func compileMethod(prefix, clientID string, res model.ResourceDefinition, m model.MethodDefinition, authenticated bool, index *validate.SchemaIndex, transforms *TransformSet) (*model.MethodDescriptor, []VError) {
	var errs []VError

	// Merge modes and the timeout were already validated; parse errors here
	// would mean the validator and compiler disagree.
	headerMode, _ := model.ParseMergeMode(m.HeaderMode)
	cookieMode, _ := model.ParseMergeMode(m.CookieMode)

	var timeout time.Duration
	if m.Timeout != "" {
		timeout, _ = time.ParseDuration(m.Timeout)
	}

	d := &model.MethodDescriptor{
		Ref:          clientID + "." + res.Name + "." + m.Name,
		ClientID:     clientID,
		Resource:     res.Name,
		Name:         m.Name,
		Verb:         strings.ToUpper(m.Verb),
		PathTemplate: m.Path,
		ResourcePath: res.Path,
		Description:  m.Description,

		Headers:    copyMap(m.Headers),
		Cookies:    copyMap(m.Cookies),
		HeaderMode: headerMode,
		CookieMode: cookieMode,

		Timeout:        timeout,
		RequiresAuth:   authenticated && !m.NoAuth,
		ValidateSchema: m.Validate,
	}

	if m.Validate != "" {
		if index == nil {
			errs = append(errs, VError{
				Path:    prefix + ".validate",
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("schema index for client %q is not loaded", clientID),
			})
		} else {
			validator, err := index.Validator(m.Validate)
			if err != nil {
				errs = append(errs, VError{Path: prefix + ".validate", Code: "OPERATION_NOT_FOUND", Message: err.Error()})
			} else {
				d.Validator = validator
			}
		}
	}

	if m.Pre != "" {
		if transforms == nil || transforms.Pre[m.Pre] == nil {
			errs = append(errs, VError{
				Path:    prefix + ".pre",
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("pre transform %q is not registered", m.Pre),
			})
		} else {
			d.Pre = transforms.Pre[m.Pre]
		}
	}
	if m.Post != "" {
		if transforms == nil || transforms.Post[m.Post] == nil {
			errs = append(errs, VError{
				Path:    prefix + ".post",
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("post transform %q is not registered", m.Post),
			})
		} else {
			d.Post = transforms.Post[m.Post]
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return d, nil
}

func compileEngine(e *model.EngineDefinition) (model.EngineSettings, error) {
	if e == nil {
		return model.EngineSettings{}, nil
	}

	settings := model.EngineSettings{
		MaxRetries:       e.MaxRetries,
		BreakerThreshold: e.BreakerThreshold,
		MaxConnsPerHost:  e.MaxConnsPerHost,
	}

	var err error
	if settings.Timeout, err = parseDuration(e.Timeout); err != nil {
		return model.EngineSettings{}, fmt.Errorf("timeout: %w", err)
	}
	if settings.BackoffInitial, err = parseDuration(e.BackoffInitial); err != nil {
		return model.EngineSettings{}, fmt.Errorf("backoff_initial: %w", err)
	}
	if settings.BackoffMax, err = parseDuration(e.BackoffMax); err != nil {
		return model.EngineSettings{}, fmt.Errorf("backoff_max: %w", err)
	}
	if settings.BreakerCooldown, err = parseDuration(e.BreakerCooldown); err != nil {
		return model.EngineSettings{}, fmt.Errorf("breaker_cooldown: %w", err)
	}

	return settings, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func copyMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
