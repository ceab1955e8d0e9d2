// Command syncadm is the operator tool for the sync queue: inspect failed
// jobs, requeue them for another round of attempts, or export them to an
// xlsx report.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"tasksync/internal/config"
	"tasksync/internal/database"
	"tasksync/internal/logging"

	"github.com/xuri/excelize/v2"
)

func main() {
	var (
		listFailed = flag.Bool("list-failed", false, "print failed sync jobs")
		requeueID  = flag.Int64("requeue", 0, "requeue a failed job by id")
		report     = flag.Bool("report", false, "write an xlsx report of failed jobs")
		configPath = flag.String("config", "configs/config.yaml", "path to config file")
	)
	flag.Parse()

	if !*listFailed && *requeueID == 0 && !*report {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*configPath, *listFailed, *requeueID, *report); err != nil {
		log.Fatalf("syncadm: %v", err)
	}
}

func run(configPath string, listFailed bool, requeueID int64, report bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if requeueID != 0 {
		if err := db.RequeueFailedJob(ctx, requeueID); err != nil {
			return err
		}
		fmt.Printf("job %d requeued\n", requeueID)
	}

	if listFailed {
		if err := printFailedJobs(ctx, db); err != nil {
			return err
		}
	}

	if report {
		path, err := writeFailedJobsReport(ctx, db, cfg.Exports.Path)
		if err != nil {
			return err
		}
		fmt.Printf("report written to %s\n", path)
	}
	return nil
}

func printFailedJobs(ctx context.Context, db *database.DB) error {
	jobs, err := db.GetFailedSyncJobs(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("no failed jobs")
		return nil
	}

	fmt.Printf("%-6s %-8s %-8s %-30s %-7s %s\n", "ID", "TASK", "ACTION", "ACCOUNT", "RETRIES", "ERROR")
	for _, job := range jobs {
		errMsg := ""
		if job.ErrorMessage != nil {
			errMsg = *job.ErrorMessage
		}
		if len(errMsg) > 60 {
			errMsg = errMsg[:60] + "..."
		}
		fmt.Printf("%-6d %-8d %-8s %-30s %-7d %s\n",
			job.ID, job.TaskID, job.ActionType, job.UserEmail, job.RetryCount, errMsg)
	}
	return nil
}

func writeFailedJobsReport(ctx context.Context, db *database.DB, exportDir string) (string, error) {
	jobs, err := db.GetFailedSyncJobs(ctx)
	if err != nil {
		return "", err
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Failed Jobs"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return "", err
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	headers := []string{"ID", "Task ID", "Account", "Action", "Retries", "Error", "Created", "Updated"}
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for col, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		_ = f.SetCellValue(sheet, cell, header)
		_ = f.SetCellStyle(sheet, cell, cell, headerStyle)
	}

	for i, job := range jobs {
		row := i + 2
		errMsg := ""
		if job.ErrorMessage != nil {
			errMsg = *job.ErrorMessage
		}
		values := []interface{}{
			job.ID, job.TaskID, job.UserEmail, job.ActionType, job.RetryCount, errMsg,
			job.CreatedAt.Format(time.RFC3339), job.UpdatedAt.Format(time.RFC3339),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}

	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(exportDir, fmt.Sprintf("failed_jobs_%s.xlsx", time.Now().Format("20060102_150405")))
	if err := f.SaveAs(path); err != nil {
		return "", err
	}
	return path, nil
}
