package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsScan        int64
	errorsBatch       int64
	warnsScan         int64
	warnsBatch        int64
	scansCompleted    int64
	scansFailed       int64
	cacheHits         int64
	admissionRejected int64
	batchesProcessed  int64
	streamMessages    int64
	channels          sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "batch") {
		atomic.AddInt64(&warnsBatch, 1)
	} else if strings.Contains(component, "scan") || strings.Contains(component, "coordinator") {
		atomic.AddInt64(&warnsScan, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "batch") {
		atomic.AddInt64(&errorsBatch, 1)
	} else if strings.Contains(component, "scan") || strings.Contains(component, "coordinator") {
		atomic.AddInt64(&errorsScan, 1)
	}
}

// IncrementScanCompleted records a completed scan and its result size.
func IncrementScanCompleted(spreads int) {
	atomic.AddInt64(&scansCompleted, 1)
	recordChannel("scan_results", spreads)
}

// IncrementScanFailed records a failed scan job.
func IncrementScanFailed() {
	atomic.AddInt64(&scansFailed, 1)
}

// IncrementCacheHit records a coordinator cache hit.
func IncrementCacheHit() {
	atomic.AddInt64(&cacheHits, 1)
}

// IncrementAdmissionRejected records a rejected admission attempt.
func IncrementAdmissionRejected() {
	atomic.AddInt64(&admissionRejected, 1)
}

// IncrementBatchProcessed records a processed batch and its request count.
func IncrementBatchProcessed(requests int) {
	atomic.AddInt64(&batchesProcessed, 1)
	recordChannel("batch_requests", requests)
}

// IncrementStreamMessage records a message received on the scanner stream.
func IncrementStreamMessage(size int) {
	atomic.AddInt64(&streamMessages, 1)
	recordChannel("scanner_stream", size)
}

// RecordChannelMessage records one message of the given size on a named channel.
func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of system and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_scan":        atomic.LoadInt64(&errorsScan),
		"errors_batch":       atomic.LoadInt64(&errorsBatch),
		"warns_scan":         atomic.LoadInt64(&warnsScan),
		"warns_batch":        atomic.LoadInt64(&warnsBatch),
		"scans_completed":    atomic.LoadInt64(&scansCompleted),
		"scans_failed":       atomic.LoadInt64(&scansFailed),
		"cache_hits":         atomic.LoadInt64(&cacheHits),
		"admission_rejected": atomic.LoadInt64(&admissionRejected),
		"batches_processed":  atomic.LoadInt64(&batchesProcessed),
		"stream_messages":    atomic.LoadInt64(&streamMessages),
		"goroutines":         runtime.NumGoroutine(),
		"cpu_percent":        cpuPct,
		"memory_mb":          int64(memStats.Used) / 1024 / 1024,
		"disk_mb":            int64(diskStats.Used) / 1024 / 1024,
		"channels":           channelData,
		"net_bytes_sent":     int64(bytesSent),
		"net_bytes_recv":     int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("ScanFlow-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("ScanFlow-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ScanFlow-DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ScanFlow-ErrorsScan"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_scan"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ScanFlow-ErrorsBatch"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_batch"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ScanFlow-WarnsScan"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_scan"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ScanFlow-WarnsBatch"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_batch"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ScanFlow-ScansCompleted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["scans_completed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ScanFlow-ScansFailed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["scans_failed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ScanFlow-CacheHits"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["cache_hits"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ScanFlow-AdmissionRejected"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["admission_rejected"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ScanFlow-BatchesProcessed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["batches_processed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ScanFlow-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("ScanFlow-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ScanFlow-ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ScanFlow-ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
