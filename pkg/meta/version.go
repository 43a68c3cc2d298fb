package meta

const (
	// APIVersion is the REST frontend API version.
	APIVersion    = 1
	APIMinVersion = 1

	// WireVersion tracks the on-wire packet layout.
	WireVersion = 1
)

// Following variables are filled in at build time.
var (
	Version   string
	GitCommit string
	BuildDate string
)

type VersionOutput struct {
	Version   string
	GitCommit string
	BuildDate string

	APIVersion    int
	APIMinVersion int
	WireVersion   int
}

func GetVersion() *VersionOutput {
	return &VersionOutput{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,

		APIVersion:    APIVersion,
		APIMinVersion: APIMinVersion,
		WireVersion:   WireVersion,
	}
}
