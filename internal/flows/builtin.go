package flows

// PathTypes are the filesystem access methods a pathspec can name.
var PathTypes = []string{"OS", "TSK", "REGISTRY", "MEMORY"}

// Builtin returns a registry preloaded with the standard flows.
func Builtin() *Registry {
	r := NewRegistry()

	r.Register(Flow{
		Name:     "DownloadDirectory",
		Category: "Filesystem",
		Help:     "Download an entire directory tree from the endpoint.",
		Params: []Param{
			{Name: "pathspec_path", Type: ParamString, Required: true, Help: "Directory to download."},
			{Name: "pathspec_pathtype", Type: ParamEnum, Values: PathTypes, Default: "OS"},
			{Name: "depth", Type: ParamInteger, Default: int64(10), Help: "Maximum recursion depth."},
			{Name: "ignore_errors", Type: ParamBool, Default: false},
		},
	})

	r.Register(Flow{
		Name:     "FileFinder",
		Category: "Filesystem",
		Help:     "Find files matching a glob and optionally collect them.",
		Params: []Param{
			{Name: "paths", Type: ParamString, Required: true, Help: "Glob expression."},
			{Name: "pathtype", Type: ParamEnum, Values: PathTypes, Default: "OS"},
			{Name: "action", Type: ParamEnum, Values: []string{"STAT", "HASH", "DOWNLOAD"}, Default: "STAT"},
			{Name: "max_size", Type: ParamInteger, Default: int64(500 * 1024 * 1024)},
		},
	})

	r.Register(Flow{
		Name:     "ListProcesses",
		Category: "Processes",
		Help:     "List running processes.",
		Params: []Param{
			{Name: "filename_regex", Type: ParamString, Default: "."},
			{Name: "fetch_binaries", Type: ParamBool, Default: false},
		},
	})

	r.Register(Flow{
		Name:     "Interrogate",
		Category: "Administrative",
		Help:     "Collect basic endpoint information.",
		Params: []Param{
			{Name: "lightweight", Type: ParamBool, Default: true},
		},
	})

	return r
}
