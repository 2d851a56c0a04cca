package models

// Stats represents index statistics
type Stats struct {
	Runs            int64
	RunBytes        int64
	Experiments     int64
	Files           int64
	FileBytes       int64
	RunSourcedFiles int64
	ExpSourcedFiles int64 // files still carrying RunIDFromExperiment
}
