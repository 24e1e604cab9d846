package subscriber

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
)

// WriteCSV writes the received log to path with header
// publisher,topic,total_time_seconds, per spec.md §4.4's bounded-mode
// output and §8 scenario 5.
func (s *Subscriber) WriteCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("subscriber: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"publisher", "topic", "total_time_seconds"}); err != nil {
		return err
	}
	for _, rec := range s.Received() {
		row := []string{rec.Publisher, rec.Topic, strconv.FormatFloat(rec.TotalTimeSeconds, 'f', -1, 64)}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return w.Error()
}
