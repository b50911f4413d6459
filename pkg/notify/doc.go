// Package notify carries user-visible notices (toasts, banners and blocking
// modals) from the resilience pipeline to whatever surface renders them.
//
// Only Critical and Security outcomes and recovery completion or failure are
// published here. Lower severities stay in the audit trail.
//
//	bus := notify.NewBus(notify.DefaultConfig(), logger)
//	unsubscribe := bus.Subscribe(func(n notify.Notice) {
//	    render(n)
//	}, notify.FilterBlocking())
//	defer unsubscribe()
package notify
