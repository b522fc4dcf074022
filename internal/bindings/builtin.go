package bindings

// NewDefaultResolver returns a resolver with the built-in binding kinds.
func NewDefaultResolver() *Resolver {
	r := NewResolver()
	r.Register("generic", Generic{Kind: "generic"})
	r.Register("httpTrigger", HTTP{Trigger: true})
	r.Register("http", HTTP{})
	r.Register("timerTrigger", Timer{})
	r.Register("queueTrigger", Queue{Trigger: true})
	r.Register("queue", Queue{})
	r.Register("blobTrigger", Blob{Trigger: true})
	r.Register("blob", Blob{})
	r.Register("sql", SQL{})
	r.Register("activityTrigger", Activity{})
	return r
}
