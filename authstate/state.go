package authstate

// State is the process-wide authentication state. Exactly one value holds
// at a time.
type State string

const (
	StateInitializing    State = "initializing"
	StateAuthenticated   State = "authenticated"
	StateUnauthenticated State = "unauthenticated"
	StateRefreshing      State = "refreshing"
)

// LifecycleNotifier is the app-lifecycle collaborator. It reports
// foreground/background transitions; the machine consumes them but does not
// own the underlying runtime.
type LifecycleNotifier interface {
	Subscribe(handler func(active bool))
}
