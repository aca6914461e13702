package registry

// SaveModuleRequest carries every input to the save-module pipeline
// (spec.md §4.4).
type SaveModuleRequest struct {
	Module            string
	UserID            string
	SpecDocument      string
	AddedTypes        []string
	UnregisteredTypes []string
	DryRun            bool
	// ModuleVersionRestrictions pins an included dependency module to a
	// specific versionTime instead of its latest released version.
	ModuleVersionRestrictions map[string]int64
	ExpectedPreviousVersion   *int64
	UploadMethod              string
	UploadComment             string
}

// SaveModuleResult reports what the pipeline committed.
type SaveModuleResult struct {
	Module       string
	VersionTime  int64
	Types        map[string]string // typeName -> typeVersion
	Funcs        map[string]string // funcName -> funcVersion
	Unregistered []string          // types no longer supported: dropped from the new spec or listed in UnregisteredTypes
}
