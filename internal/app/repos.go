package app

import (
	"gorm.io/gorm"

	"github.com/trialops/sdvlink-backend/internal/logger"
	"github.com/trialops/sdvlink-backend/internal/repos"
)

type Repos struct {
	UploadJobs     repos.UploadJobRepo
	DatasetUploads repos.DatasetUploadRepo
	SiteRecords    repos.SiteEntryRecordRepo
	SDVRecords     repos.SDVRecordRepo
	MergedRecords  repos.MergedRecordRepo
	QueryRecords   repos.QueryRecordRepo
	Tasks          repos.TaskRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		UploadJobs:     repos.NewUploadJobRepo(db, log),
		DatasetUploads: repos.NewDatasetUploadRepo(db, log),
		SiteRecords:    repos.NewSiteEntryRecordRepo(db, log),
		SDVRecords:     repos.NewSDVRecordRepo(db, log),
		MergedRecords:  repos.NewMergedRecordRepo(db, log),
		QueryRecords:   repos.NewQueryRecordRepo(db, log),
		Tasks:          repos.NewTaskRepo(db, log),
	}
}
