package config

type WorkerKeyStruct struct {
	PersistProgressQueue    string
	PersistViolationsQueue  string
	PersistSubmissionsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistProgressQueue:    "persist_progress_queue",
	PersistViolationsQueue:  "persist_violations_queue",
	PersistSubmissionsQueue: "persist_submissions_queue",
}
