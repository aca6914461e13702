package memkv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"tddb/internal/storage"
)

// ErrCorruptRecord indicates a stored record could not be decoded. Under
// normal operation this should never happen; the Registry Core treats it
// the same as any other storage failure (spec.md §7).
var ErrCorruptRecord = errors.New("memkv: corrupt stored record")

// Store implements storage.Port over a flat Backend, using one key
// namespace for every collection named in spec.md §6 ("Persisted state
// layout"). It assumes the Registry Core serializes all writes to a given
// module through the Lock Manager's write lock (spec.md §5) — Store itself
// does not add cross-key atomicity beyond what a single Put/Get offers.
type Store struct {
	b Backend
}

// New wraps a Backend as a storage.Port.
func New(b Backend) *Store {
	return &Store{b: b}
}

// NewMemoryStore creates a Store backed by an in-memory map, for tests and
// degraded-mode operation.
func NewMemoryStore() *Store {
	return New(NewMemoryBackend())
}

// NewNATSStore creates a Store backed by an already-created JetStream
// KeyValue bucket, matching the teacher's production persistence choice.
func NewNATSStore(kv nats.KeyValue) *Store {
	return New(NewNATSBackend(kv))
}

type moduleMeta struct {
	Name                string
	Supported           bool
	Versions            []int64
	ReleasedVersionTime int64 // 0 means "none released yet"
}

func moduleMetaKey(module string) string { return "meta/module/" + module }

func (s *Store) getMeta(module string) (*moduleMeta, bool, error) {
	raw, ok, err := s.b.Get(moduleMetaKey(module))
	if err != nil || !ok {
		return nil, ok, err
	}
	var m moduleMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false, fmt.Errorf("%w: decode module meta: %v", ErrCorruptRecord, err)
	}
	return &m, true, nil
}

func (s *Store) putMeta(m *moduleMeta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.b.Put(moduleMetaKey(m.Name), raw)
}

func moduleVersionKey(module string, vt int64) string {
	return fmt.Sprintf("data/moduleversion/%s/%d", module, vt)
}

func (s *Store) ModuleExists(ctx context.Context, module string) (bool, error) {
	_, ok, err := s.getMeta(module)
	return ok, err
}

func (s *Store) InitModuleRecord(ctx context.Context, module string) error {
	if ok, err := s.ModuleExists(ctx, module); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: module %q", storage.ErrAlreadyExists, module)
	}
	vt := s.nextVersionTime(nil)
	meta := &moduleMeta{Name: module, Supported: true, Versions: []int64{vt}, ReleasedVersionTime: vt}
	if err := s.putMeta(meta); err != nil {
		return err
	}
	mv := &storage.ModuleVersion{
		ModuleName:  module,
		VersionTime: vt,
		Released:    true,
		Includes:    map[string]int64{},
		Types:       map[string]storage.TypeInfo{},
		Funcs:       map[string]storage.FuncInfo{},
	}
	raw, err := json.Marshal(mv)
	if err != nil {
		return err
	}
	return s.b.Put(moduleVersionKey(module, vt), raw)
}

func (s *Store) nextVersionTime(meta *moduleMeta) int64 {
	vt := time.Now().UnixNano()
	if meta != nil && len(meta.Versions) > 0 {
		last := meta.Versions[len(meta.Versions)-1]
		if vt <= last {
			vt = last + 1
		}
	}
	return vt
}

func (s *Store) AllVersions(ctx context.Context, module string) (map[int64]bool, error) {
	meta, ok, err := s.getMeta(module)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: module %q", storage.ErrNotFound, module)
	}
	out := make(map[int64]bool, len(meta.Versions))
	for _, vt := range meta.Versions {
		mv, err := s.getModuleVersion(module, vt)
		if err != nil {
			return nil, err
		}
		out[vt] = mv.Released
	}
	return out, nil
}

func (s *Store) getModuleVersion(module string, vt int64) (*storage.ModuleVersion, error) {
	raw, ok, err := s.b.Get(moduleVersionKey(module, vt))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: module %q version %d", storage.ErrNotFound, module, vt)
	}
	var mv storage.ModuleVersion
	if err := json.Unmarshal(raw, &mv); err != nil {
		return nil, fmt.Errorf("%w: decode module version: %v", ErrCorruptRecord, err)
	}
	return &mv, nil
}

func (s *Store) GetModuleVersion(ctx context.Context, module string, versionTime int64) (*storage.ModuleVersion, error) {
	return s.getModuleVersion(module, versionTime)
}

func (s *Store) LastReleasedVersion(ctx context.Context, module string) (int64, error) {
	meta, ok, err := s.getMeta(module)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: module %q", storage.ErrNotFound, module)
	}
	if meta.ReleasedVersionTime == 0 {
		return 0, fmt.Errorf("%w: module %q has no released version", storage.ErrNotFound, module)
	}
	return meta.ReleasedVersionTime, nil
}

func (s *Store) LastVersionIncludingUnreleased(ctx context.Context, module string) (int64, error) {
	meta, ok, err := s.getMeta(module)
	if err != nil {
		return 0, err
	}
	if !ok || len(meta.Versions) == 0 {
		return 0, fmt.Errorf("%w: module %q", storage.ErrNotFound, module)
	}
	return meta.Versions[len(meta.Versions)-1], nil
}

func (s *Store) GenerateNewVersion(ctx context.Context, module string) (int64, error) {
	meta, ok, err := s.getMeta(module)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: module %q", storage.ErrNotFound, module)
	}
	vt := s.nextVersionTime(meta)
	meta.Versions = append(meta.Versions, vt)
	if err := s.putMeta(meta); err != nil {
		return 0, err
	}
	return vt, nil
}

func (s *Store) WriteModuleRecords(ctx context.Context, info *storage.ModuleVersion) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	key := moduleVersionKey(info.ModuleName, info.VersionTime)
	if err := s.b.Put(key, raw); err != nil {
		return err
	}
	return s.recordTxnKey(info.ModuleName, info.VersionTime, key)
}

func (s *Store) SetReleaseVersion(ctx context.Context, module string, versionTime int64) error {
	meta, ok, err := s.getMeta(module)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: module %q", storage.ErrNotFound, module)
	}
	mv, err := s.getModuleVersion(module, versionTime)
	if err != nil {
		return err
	}
	mv.Released = true
	raw, err := json.Marshal(mv)
	if err != nil {
		return err
	}
	if err := s.b.Put(moduleVersionKey(module, versionTime), raw); err != nil {
		return err
	}
	meta.ReleasedVersionTime = versionTime
	return s.putMeta(meta)
}

func (s *Store) RemoveVersionIfNotCurrent(ctx context.Context, module string, versionTime int64) error {
	meta, ok, err := s.getMeta(module)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: module %q", storage.ErrNotFound, module)
	}
	if len(meta.Versions) > 0 && meta.Versions[len(meta.Versions)-1] == versionTime {
		return fmt.Errorf("storage: version %d is the current version of module %q, cannot remove", versionTime, module)
	}
	kept := meta.Versions[:0:0]
	for _, vt := range meta.Versions {
		if vt != versionTime {
			kept = append(kept, vt)
		}
	}
	meta.Versions = kept
	if err := s.putMeta(meta); err != nil {
		return err
	}
	return s.b.Delete(moduleVersionKey(module, versionTime))
}

func (s *Store) SupportedState(ctx context.Context, module string) (bool, error) {
	meta, ok, err := s.getMeta(module)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: module %q", storage.ErrNotFound, module)
	}
	return meta.Supported, nil
}

func (s *Store) ChangeSupportedState(ctx context.Context, module string, supported bool) error {
	meta, ok, err := s.getMeta(module)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: module %q", storage.ErrNotFound, module)
	}
	meta.Supported = supported
	return s.putMeta(meta)
}

func (s *Store) RemoveModule(ctx context.Context, module string) error {
	meta, ok, err := s.getMeta(module)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: module %q", storage.ErrNotFound, module)
	}
	for _, vt := range meta.Versions {
		_ = s.b.Delete(moduleVersionKey(module, vt))
	}
	return s.b.Delete(moduleMetaKey(module))
}

func (s *Store) AllRegisteredModules(ctx context.Context, includeRetired bool) ([]string, error) {
	keys, err := s.b.Keys()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, k := range keys {
		if !strings.HasPrefix(k, "meta/module/") {
			continue
		}
		name := strings.TrimPrefix(k, "meta/module/")
		if !includeRetired {
			meta, ok, err := s.getMeta(name)
			if err != nil {
				return nil, err
			}
			if !ok || !meta.Supported {
				continue
			}
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// --- Type / Func schema & parse records ---

func typeSchemaKey(module, typeName, version string) string {
	return fmt.Sprintf("data/typeschema/%s/%s/%s", module, typeName, version)
}

func typeParseKey(module, typeName, version string) string {
	return fmt.Sprintf("data/typeparse/%s/%s/%s", module, typeName, version)
}

func funcParseKey(module, funcName, version string) string {
	return fmt.Sprintf("data/funcparse/%s/%s/%s", module, funcName, version)
}

func md5IndexKey(module, typeName, md5 string) string {
	return fmt.Sprintf("index/md5/%s/%s/%s", module, typeName, md5)
}

func allVersionsIndexKey(module, typeName string) string {
	return fmt.Sprintf("index/typeversions/%s/%s", module, typeName)
}

func (s *Store) WriteTypeSchemaRecord(ctx context.Context, rec *storage.SchemaRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := typeSchemaKey(rec.ModuleName, rec.TypeName, rec.TypeVersion)
	if err := s.b.Put(key, raw); err != nil {
		return err
	}
	if err := s.appendToStringSetIndex(md5IndexKey(rec.ModuleName, rec.TypeName, rec.MD5), rec.TypeVersion); err != nil {
		return err
	}
	if err := s.recordTxnPrune(rec.ModuleName, rec.ModuleVersion, md5IndexKey(rec.ModuleName, rec.TypeName, rec.MD5), rec.TypeVersion); err != nil {
		return err
	}
	if err := s.appendToStringSetIndex(allVersionsIndexKey(rec.ModuleName, rec.TypeName), rec.TypeVersion); err != nil {
		return err
	}
	if err := s.recordTxnPrune(rec.ModuleName, rec.ModuleVersion, allVersionsIndexKey(rec.ModuleName, rec.TypeName), rec.TypeVersion); err != nil {
		return err
	}
	return s.recordTxnKey(rec.ModuleName, rec.ModuleVersion, key)
}

func (s *Store) appendToStringSetIndex(key, value string) error {
	raw, ok, err := s.b.Get(key)
	if err != nil {
		return err
	}
	var vals []string
	if ok {
		if err := json.Unmarshal(raw, &vals); err != nil {
			return err
		}
	}
	for _, v := range vals {
		if v == value {
			return nil
		}
	}
	vals = append(vals, value)
	out, err := json.Marshal(vals)
	if err != nil {
		return err
	}
	return s.b.Put(key, out)
}

func (s *Store) WriteTypeParseRecord(ctx context.Context, rec *storage.ParseRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := typeParseKey(rec.ModuleName, rec.Name, rec.Version)
	if err := s.b.Put(key, raw); err != nil {
		return err
	}
	return s.recordTxnKey(rec.ModuleName, rec.ModuleVersion, key)
}

func (s *Store) WriteFuncParseRecord(ctx context.Context, rec *storage.ParseRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := funcParseKey(rec.ModuleName, rec.Name, rec.Version)
	if err := s.b.Put(key, raw); err != nil {
		return err
	}
	return s.recordTxnKey(rec.ModuleName, rec.ModuleVersion, key)
}

func (s *Store) GetTypeSchemaRecord(ctx context.Context, module, typeName, typeVersion string) (*storage.SchemaRecord, error) {
	raw, ok, err := s.b.Get(typeSchemaKey(module, typeName, typeVersion))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s-%s", storage.ErrNotFound, module, typeName, typeVersion)
	}
	var rec storage.SchemaRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode schema record: %v", ErrCorruptRecord, err)
	}
	return &rec, nil
}

func (s *Store) GetTypeParseRecord(ctx context.Context, module, typeName, typeVersion string) (*storage.ParseRecord, error) {
	raw, ok, err := s.b.Get(typeParseKey(module, typeName, typeVersion))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s-%s", storage.ErrNotFound, module, typeName, typeVersion)
	}
	var rec storage.ParseRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode parse record: %v", ErrCorruptRecord, err)
	}
	return &rec, nil
}

func (s *Store) GetFuncParseRecord(ctx context.Context, module, funcName, funcVersion string) (*storage.ParseRecord, error) {
	raw, ok, err := s.b.Get(funcParseKey(module, funcName, funcVersion))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s-%s", storage.ErrNotFound, module, funcName, funcVersion)
	}
	var rec storage.ParseRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode parse record: %v", ErrCorruptRecord, err)
	}
	return &rec, nil
}

func (s *Store) CheckTypeSchemaRecordExists(ctx context.Context, module, typeName, typeVersion string) (bool, error) {
	_, ok, err := s.b.Get(typeSchemaKey(module, typeName, typeVersion))
	return ok, err
}

func (s *Store) GetAllTypeVersions(ctx context.Context, module, typeName string) (map[string]bool, error) {
	raw, ok, err := s.b.Get(allVersionsIndexKey(module, typeName))
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	if !ok {
		return out, nil
	}
	var versions []string
	if err := json.Unmarshal(raw, &versions); err != nil {
		return nil, err
	}
	for _, v := range versions {
		rec, err := s.GetTypeSchemaRecord(ctx, module, typeName, v)
		if err != nil {
			return nil, err
		}
		released, err := s.versionReleased(ctx, module, rec.ModuleVersion)
		if err != nil {
			return nil, err
		}
		out[v] = released
	}
	return out, nil
}

func (s *Store) versionReleased(ctx context.Context, module string, vt int64) (bool, error) {
	mv, err := s.getModuleVersion(module, vt)
	if err != nil {
		return false, err
	}
	return mv.Released, nil
}

func (s *Store) GetTypeVersionsByMd5(ctx context.Context, module, typeName, md5 string) ([]string, error) {
	raw, ok, err := s.b.Get(md5IndexKey(module, typeName, md5))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var versions []string
	if err := json.Unmarshal(raw, &versions); err != nil {
		return nil, err
	}
	return versions, nil
}

func (s *Store) GetTypeMd5(ctx context.Context, module, typeName, typeVersion string) (string, error) {
	rec, err := s.GetTypeSchemaRecord(ctx, module, typeName, typeVersion)
	if err != nil {
		return "", err
	}
	return rec.MD5, nil
}

// --- Refs ---

func refsDepKey(module, name, version string, isFunc bool) string {
	return fmt.Sprintf("data/refs/dep/%s/%s/%s/%v", module, name, version, isFunc)
}

func refsRefKey(module, name, version string, isFunc bool) string {
	return fmt.Sprintf("data/refs/ref/%s/%s/%s/%v", module, name, version, isFunc)
}

func (s *Store) AddRefs(ctx context.Context, typeRefs, funcRefs []storage.RefInfo) error {
	if err := s.addRefsOf(typeRefs, false); err != nil {
		return err
	}
	return s.addRefsOf(funcRefs, true)
}

func (s *Store) addRefsOf(refs []storage.RefInfo, isFunc bool) error {
	for _, r := range refs {
		depKey := refsDepKey(r.DepModule, r.DepName, r.DepVersion, isFunc)
		refKey := refsRefKey(r.RefModule, r.RefName, r.RefVersion, isFunc)
		if err := s.appendRefIndex(depKey, r); err != nil {
			return err
		}
		if err := s.appendRefIndex(refKey, r); err != nil {
			return err
		}
		// Both index keys are shared across every commit that references
		// (or is referenced by) the same dependency, so a rolled-back
		// commit must only prune its own entry out of each list, not
		// delete the whole key.
		if err := s.recordTxnPrune(r.DepModule, r.DepModuleVersion, depKey, r); err != nil {
			return err
		}
		if err := s.recordTxnPrune(r.DepModule, r.DepModuleVersion, refKey, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) appendRefIndex(key string, r storage.RefInfo) error {
	raw, ok, err := s.b.Get(key)
	if err != nil {
		return err
	}
	var refs []storage.RefInfo
	if ok {
		if err := json.Unmarshal(raw, &refs); err != nil {
			return err
		}
	}
	refs = append(refs, r)
	out, err := json.Marshal(refs)
	if err != nil {
		return err
	}
	return s.b.Put(key, out)
}

func (s *Store) getRefIndex(key string) ([]storage.RefInfo, error) {
	raw, ok, err := s.b.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var refs []storage.RefInfo
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

func (s *Store) GetTypeRefsByDep(ctx context.Context, module, typeName, typeVersion string) ([]storage.RefInfo, error) {
	return s.getRefIndex(refsDepKey(module, typeName, typeVersion, false))
}

func (s *Store) GetTypeRefsByRef(ctx context.Context, module, typeName, typeVersion string) ([]storage.RefInfo, error) {
	return s.getRefIndex(refsRefKey(module, typeName, typeVersion, false))
}

func (s *Store) GetFuncRefsByDep(ctx context.Context, module, funcName, funcVersion string) ([]storage.RefInfo, error) {
	return s.getRefIndex(refsDepKey(module, funcName, funcVersion, true))
}

func (s *Store) GetFuncRefsByRef(ctx context.Context, module, funcName, funcVersion string) ([]storage.RefInfo, error) {
	return s.getRefIndex(refsRefKey(module, funcName, funcVersion, true))
}

func (s *Store) GetModuleVersionsForTypeVersion(ctx context.Context, module, typeName, typeVersion string) ([]int64, error) {
	meta, ok, err := s.getMeta(module)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: module %q", storage.ErrNotFound, module)
	}
	var out []int64
	for _, vt := range meta.Versions {
		mv, err := s.getModuleVersion(module, vt)
		if err != nil {
			return nil, err
		}
		if ti, ok := mv.Types[typeName]; ok && ti.TypeVersion == typeVersion {
			out = append(out, vt)
		}
	}
	return out, nil
}

// --- Owners / requests ---

func ownersKey(module string) string { return "data/owners/" + module }

func (s *Store) GetOwnersForModule(ctx context.Context, module string) ([]storage.OwnerRecord, error) {
	raw, ok, err := s.b.Get(ownersKey(module))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var owners []storage.OwnerRecord
	if err := json.Unmarshal(raw, &owners); err != nil {
		return nil, err
	}
	return owners, nil
}

func (s *Store) AddOwnerToModule(ctx context.Context, module, userID string, changeOwners bool) error {
	owners, err := s.GetOwnersForModule(ctx, module)
	if err != nil {
		return err
	}
	for i, o := range owners {
		if o.UserID == userID {
			owners[i].ChangeOwnersAllowed = changeOwners
			return s.putOwners(module, owners)
		}
	}
	owners = append(owners, storage.OwnerRecord{ModuleName: module, UserID: userID, ChangeOwnersAllowed: changeOwners})
	return s.putOwners(module, owners)
}

func (s *Store) putOwners(module string, owners []storage.OwnerRecord) error {
	raw, err := json.Marshal(owners)
	if err != nil {
		return err
	}
	return s.b.Put(ownersKey(module), raw)
}

func (s *Store) RemoveOwnerFromModule(ctx context.Context, module, userID string) error {
	owners, err := s.GetOwnersForModule(ctx, module)
	if err != nil {
		return err
	}
	kept := owners[:0:0]
	for _, o := range owners {
		if o.UserID != userID {
			kept = append(kept, o)
		}
	}
	return s.putOwners(module, kept)
}

func (s *Store) GetModulesForOwner(ctx context.Context, userID string) ([]string, error) {
	keys, err := s.b.Keys()
	if err != nil {
		return nil, err
	}
	var modules []string
	for _, k := range keys {
		if !strings.HasPrefix(k, "data/owners/") {
			continue
		}
		module := strings.TrimPrefix(k, "data/owners/")
		owners, err := s.GetOwnersForModule(ctx, module)
		if err != nil {
			return nil, err
		}
		for _, o := range owners {
			if o.UserID == userID {
				modules = append(modules, module)
				break
			}
		}
	}
	sort.Strings(modules)
	return modules, nil
}

func requestKey(module string) string { return "data/request/" + module }

func (s *Store) AddNewModuleRegistrationRequest(ctx context.Context, module, userID string) error {
	req := storage.RegistrationRequest{ModuleName: module, UserID: userID, Requested: time.Now()}
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return s.b.Put(requestKey(module), raw)
}

func (s *Store) GetNewModuleRegistrationRequests(ctx context.Context) ([]storage.RegistrationRequest, error) {
	keys, err := s.b.Keys()
	if err != nil {
		return nil, err
	}
	var out []storage.RegistrationRequest
	for _, k := range keys {
		if !strings.HasPrefix(k, "data/request/") {
			continue
		}
		raw, ok, err := s.b.Get(k)
		if err != nil || !ok {
			continue
		}
		var req storage.RegistrationRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleName < out[j].ModuleName })
	return out, nil
}

func (s *Store) GetOwnerForNewModuleRegistrationRequest(ctx context.Context, module string) (string, error) {
	raw, ok, err := s.b.Get(requestKey(module))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: no registration request for module %q", storage.ErrNotFound, module)
	}
	var req storage.RegistrationRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return "", err
	}
	return req.UserID, nil
}

func (s *Store) RemoveNewModuleRegistrationRequest(ctx context.Context, module string) error {
	return s.b.Delete(requestKey(module))
}

// --- Transaction rollback ---

// txnOp is one entry in a versionTime's transaction index. A plain
// key (Elem == "") is deleted outright on rollback. A key that is a
// shared set-index (md5IndexKey, allVersionsIndexKey, refsDepKey,
// refsRefKey) instead carries the one JSON-encoded element this
// versionTime appended to it, so rollback prunes just that element rather
// than destroying entries other, non-rolled-back versions share the key
// with.
type txnOp struct {
	Key  string
	Elem string `json:",omitempty"`
}

func txnIndexKey(module string, vt int64) string {
	return fmt.Sprintf("index/txn/%s/%d", module, vt)
}

func (s *Store) appendTxnOp(module string, vt int64, op txnOp) error {
	idxKey := txnIndexKey(module, vt)
	raw, ok, err := s.b.Get(idxKey)
	if err != nil {
		return err
	}
	var ops []txnOp
	if ok {
		if err := json.Unmarshal(raw, &ops); err != nil {
			return err
		}
	}
	ops = append(ops, op)
	out, err := json.Marshal(ops)
	if err != nil {
		return err
	}
	return s.b.Put(idxKey, out)
}

// recordTxnKey records a key that belongs wholly to this versionTime: on
// rollback the key is deleted outright.
func (s *Store) recordTxnKey(module string, vt int64, key string) error {
	return s.appendTxnOp(module, vt, txnOp{Key: key})
}

// recordTxnPrune records one element this versionTime appended to a
// shared set-index key: on rollback only that element is removed from the
// JSON array stored at key, leaving entries from other versions intact.
func (s *Store) recordTxnPrune(module string, vt int64, key string, value any) error {
	elem, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.appendTxnOp(module, vt, txnOp{Key: key, Elem: string(elem)})
}

// pruneIndexElement removes the single array element encoded as elemRaw
// from the JSON array stored at key, leaving the rest of the array (and
// any elements other versions contributed) untouched.
func (s *Store) pruneIndexElement(key, elemRaw string) error {
	raw, ok, err := s.b.Get(key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return err
	}
	kept := items[:0:0]
	for _, it := range items {
		if string(it) != elemRaw {
			kept = append(kept, it)
		}
	}
	out, err := json.Marshal(kept)
	if err != nil {
		return err
	}
	return s.b.Put(key, out)
}

// RollbackModuleVersion deletes every record stamped with versionTime and
// restores the module's head pointer to the previous versionTime (spec.md
// §4.2 / §4.4 step 10). Rollback failures at the Registry Core layer are
// logged and swallowed per spec.md §7; Store itself just reports them.
func (s *Store) RollbackModuleVersion(ctx context.Context, module string, versionTime int64) error {
	idxKey := txnIndexKey(module, versionTime)
	raw, ok, err := s.b.Get(idxKey)
	if err != nil {
		return err
	}
	if ok {
		var ops []txnOp
		if err := json.Unmarshal(raw, &ops); err != nil {
			return err
		}
		for _, op := range ops {
			if op.Elem == "" {
				if err := s.b.Delete(op.Key); err != nil {
					return err
				}
				continue
			}
			if err := s.pruneIndexElement(op.Key, op.Elem); err != nil {
				return err
			}
		}
		if err := s.b.Delete(idxKey); err != nil {
			return err
		}
	}
	if err := s.b.Delete(moduleVersionKey(module, versionTime)); err != nil {
		return err
	}

	meta, ok, err := s.getMeta(module)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	kept := meta.Versions[:0:0]
	for _, vt := range meta.Versions {
		if vt != versionTime {
			kept = append(kept, vt)
		}
	}
	meta.Versions = kept
	if meta.ReleasedVersionTime == versionTime {
		meta.ReleasedVersionTime = 0
		if len(kept) > 0 {
			// Best-effort: fall back to the prior head if it was released.
			prior, err := s.getModuleVersion(module, kept[len(kept)-1])
			if err == nil && prior.Released {
				meta.ReleasedVersionTime = prior.VersionTime
			}
		}
	}
	return s.putMeta(meta)
}
