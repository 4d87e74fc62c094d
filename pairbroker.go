package pairbroker

var (
	// Revision stores current git revision of the application
	//nolint
	Revision string

	// Branch stores current branch
	//nolint
	Branch string

	// Env stores current environment
	//nolint
	Env string = "production"
)
