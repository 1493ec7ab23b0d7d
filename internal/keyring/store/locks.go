package store

// Lock names are namespaced by entity type so two entities that happen to
// share an id never contend.

func UserLock(id string) string      { return "user:" + id }
func SessionLock(id string) string   { return "session:" + id }
func MailTokenLock(id string) string { return "mailtoken:" + id }
