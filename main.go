//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

import (
	"log/slog"
	"machine"
	"net/netip"
	"runtime"
	"time"

	"openenterprise/bootswap"
	"openenterprise/bootswap/config"
	"openenterprise/bootswap/credentials"
	"openenterprise/bootswap/flash"
	"openenterprise/bootswap/ota"
	"openenterprise/bootswap/telemetry"
	"openenterprise/bootswap/version"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
	"github.com/soypat/lneto/x/xnet"
)

// RP2350 reference-board flash layout: PT (8KB) | Partition A (1984KB) |
// Partition B (1984KB) | Reserved. Verified with `picotool partition info`.
const (
	partitionAOffset = 0x2000   // 8KB after flash start
	partitionBOffset = 0x1F2000 // 8KB + 1984KB
	partitionMaxSize = 0x1F0000 // 1984KB

	regionIDPartitionA = 0
	regionIDPartitionB = 1
)

// Configuration (loaded from config files, with defaults)
var updateCheckInterval = 3 * time.Hour

// Global WiFi stack reference for shutdown
var globalCyStack *cywnet.Stack

const pollTime = 5 * time.Millisecond

var requestedIP = [4]byte{192, 168, 1, 99}

// Channel for manual update-check requests from console
var refreshChan = make(chan struct{}, 1)

// Debug sleep override duration (0 = use default updateCheckInterval)
var debugSleepDuration time.Duration

// Functional watchdog state
var (
	lastSuccessfulCheck time.Time
	consecutiveFailures int
	systemHealthy       = true // When false, stop feeding watchdog to trigger reset
)

var lastUpdateCheck time.Time

// forceUpdateCheck forces the next wake cycle to poll for an update
// (used by the manual refresh console command)
var forceUpdateCheck bool

// NTP tracking
var (
	lastNTPSync   time.Time
	ntpSyncCount  int
	ntpFailCount  int
	ntpTimeOffset time.Duration
	dnsServers    []netip.Addr
)

const (
	maxConsecutiveFailures = 3
	maxHoursWithoutCheck   = 12
)

// bootswapEngine is the swap decision engine for image pair 0 (the
// reference board only populates one pair).
var bootswapEngine *bootswap.Engine

// otaServer streams a staged image into the inactive partition.
var otaServer *ota.Server

// fatalError handles unrecoverable errors by waiting for watchdog reset
// with a software reset fallback. This ensures the device always recovers.
func fatalError(msg string) {
	println(msg)
	systemHealthy = false
	for i := 0; i < 15; i++ {
		time.Sleep(time.Second)
	}
	println("Watchdog timeout - forcing software reset...")
	ota.Reboot()
	for {
		time.Sleep(time.Second)
	}
}

// WiFi quality tracking
var wifiStats struct {
	connectTime           time.Time
	lastUpdateCheckSucc   time.Time
	lastUpdateCheckAttempt time.Time
	updateCheckSuccCount  int
	updateCheckFailCount  int
	reconnectCount        int
}

// rp2350Regions returns the fixed physical flash regions for this board's
// two-partition layout.
func rp2350Regions() []flash.RP2350Region {
	return []flash.RP2350Region{
		{ID: regionIDPartitionA, Offset: partitionAOffset, Size: partitionMaxSize},
		{ID: regionIDPartitionB, Offset: partitionBOffset, Size: partitionMaxSize},
	}
}

// buildEngine wires the flash backend and pair table. The slot that is
// currently executing is the primary; the other partition is the
// secondary, staged for the next swap.
func buildEngine() *bootswap.Engine {
	// config.MaxAlign() is the one fixed layout constant; it must reach both
	// the backend's reported write granularity and bootswap's own trailer
	// offset math, or the two can desync and every trailer write starts
	// failing with ErrInvalid.
	bootswap.MaxAlign = config.MaxAlign()
	backend := flash.NewRP2350Backend(rp2350Regions(), config.MaxAlign(), 0xFF)

	primaryID, secondaryID := regionIDPartitionA, regionIDPartitionB
	if ota.GetCurrentPartition() == regionIDPartitionB {
		primaryID, secondaryID = regionIDPartitionB, regionIDPartitionA
	}

	pairs := flash.NewPairTable(flash.Pair{Primary: primaryID, Secondary: secondaryID})
	return bootswap.NewEngine(backend, pairs)
}

func main() {
	// CRITICAL: Confirm the TBYB partition immediately to prevent an
	// auto-revert. Must be called within 16.7s of boot — do this before any
	// delays.
	confirmErr := ota.ConfirmPartition()

	time.Sleep(2 * time.Second) // Give time to connect to USB and monitor output.
	println("========================================")
	println("  openenterprise/bootswap")
	println("  Version:", version.Version)
	println("  Git SHA:", version.GitSHA)
	println("  Built:  ", version.BuildDate)
	println("========================================")

	currentPart := ota.GetCurrentPartition()
	if currentPart == regionIDPartitionA {
		println("boot: partition A")
	} else {
		println("boot: partition B")
	}
	if confirmErr != nil {
		println("ota: partition confirm:", confirmErr.Error())
	} else {
		println("ota: partition confirmed")
	}

	logger := slog.New(telemetry.NewSlogHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12), // above ERROR(8): suppress network stack chatter
	}))

	statusLEDLogger = logger
	initLEDs()
	initConsole()

	bootswapEngine = buildEngine()

	st := bootswapEngine.SwapTypeMulti(0)
	logger.Info("swap:boot-decision", slog.String("swap_type", st.String()))
	updateLEDsFromSwapType(st)
	if err := bootswapEngine.SetConfirmedMulti(0); err != nil {
		logger.Warn("swap:confirm-failed", slog.String("err", err.Error()))
	}

	machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 8000})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	bootPartition := "A"
	if currentPart == regionIDPartitionB {
		bootPartition = "B"
	}
	shortSHA := version.GitSHA
	if len(shortSHA) > 7 {
		shortSHA = shortSHA[:7]
	}
	logger.Info("init:complete",
		slog.String("version", version.Version),
		slog.String("sha", shortSHA),
		slog.String("partition", bootPartition),
	)

	brokerAddr, err := config.BrokerAddr()
	if err != nil {
		logger.Error("config:broker-invalid", slog.String("err", err.Error()))
		fatalError("Invalid broker address - waiting for reset...")
	}
	logger.Info("config:broker", slog.String("addr", brokerAddr.String()))

	updateCheckInterval = config.UpdateCheckInterval()
	logger.Info("config:timing", slog.Duration("update_check_interval", updateCheckInterval))

	devcfg := cyw43439.DefaultWifiConfig()
	devcfg.Logger = netLogger
	cystack, err := cywnet.NewConfiguredPicoWithStack(
		credentials.SSID(),
		credentials.Password(),
		devcfg,
		cywnet.StackConfig{
			Hostname:    "bootswap",
			MaxTCPPorts: 3, // updatecheck + debug console + OTA
		},
	)
	if err != nil {
		logger.Error("wifi:setup-failed", slog.String("err", err.Error()))
		fatalError("WiFi setup failed - waiting for reset...")
	}
	globalCyStack = cystack

	ota.SetWiFiShutdown(func() {
		logger.Info("ota:wifi-shutdown")
		time.Sleep(100 * time.Millisecond)
	})

	go loopForeverStack(cystack)

	dhcpResults, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{
		RequestedAddr: netip.AddrFrom4(requestedIP),
	})
	if err != nil {
		logger.Error("dhcp:failed", slog.String("err", err.Error()))
		fatalError("DHCP failed - waiting for reset...")
	}
	logger.Info("dhcp:complete", slog.String("addr", dhcpResults.AssignedAddr.String()))

	wifiStats.connectTime = time.Now()
	dnsServers = dhcpResults.DNSServers

	stack := cystack.LnetoStack()

	logger.Info("ntp:init", slog.String("server", config.NTPServer()))
	if _, err := syncNTP(stack, dnsServers, logger); err != nil {
		logger.Warn("ntp:init-failed", slog.String("err", err.Error()))
	}

	collectorAddr, err := config.TelemetryCollectorAddr()
	if err != nil {
		logger.Warn("telemetry:config-invalid", slog.String("err", err.Error()))
	} else if err := telemetry.Init(stack, logger, collectorAddr); err != nil {
		logger.Warn("telemetry:init-failed", slog.String("err", err.Error()))
	}

	go consoleServer(stack, logger, refreshChan)

	otaServer = ota.NewServer(ota.ServerConfig{
		Stack:      stack,
		Engine:     bootswapEngine,
		ImageIndex: 0,
		Logger:     logger,
		OnSessionStart: func() {
			telemetry.Pause()
			SetStatusLEDPaused(true)
		},
		OnSessionEnd: func() {
			SetStatusLEDPaused(false)
			telemetry.Resume()
			telemetry.Flush()
		},
	})
	go otaServer.Run()

	lastSuccessfulCheck = time.Now()
	lastUpdateCheck = time.Time{}

	for {
		feedWatchdogIfHealthy()

		telemetry.GenerateTraceID(stack)
		cycleSpanIdx := telemetry.StartServerSpan(stack, "wake-cycle")

		timeSinceLastCheck := time.Since(lastUpdateCheck)
		needsCheck := timeSinceLastCheck >= updateCheckInterval || forceUpdateCheck
		manualCheck := forceUpdateCheck
		forceUpdateCheck = false

		logger.Info("cycle:start",
			slog.Duration("since_last_check", timeSinceLastCheck),
			slog.Bool("needs_check", needsCheck),
			slog.Bool("manual_check", manualCheck),
		)

		if needsCheck {
			ntpSpanIdx := telemetry.StartSpan(stack, "ntp-sync")
			if _, err := syncNTP(stack, dnsServers, logger); err != nil {
				telemetry.EndSpan(ntpSpanIdx, false)
				logger.Warn("ntp:resync-failed", slog.String("err", err.Error()))
			} else {
				telemetry.EndSpan(ntpSpanIdx, true)
			}

			feedWatchdogIfHealthy()

			const (
				minBackoff = 16 * time.Second
				maxBackoff = 60 * time.Second
				maxRetries = 3
			)
			backoff := minBackoff
			checkSpanIdx := telemetry.StartSpan(stack, "update-check")

			for attempt := 0; attempt <= maxRetries; attempt++ {
				wifiStats.lastUpdateCheckAttempt = time.Now()

				if attempt > 0 {
					logger.Info("updatecheck:backoff", slog.Int("attempt", attempt+1), slog.Duration("wait", backoff))
					sleepWithWatchdog(backoff)
					backoff *= 2
					if backoff > maxBackoff {
						backoff = maxBackoff
					}
				}

				feedWatchdogIfHealthy()
				logger.Info("updatecheck:checking", slog.Int("attempt", attempt+1))

				resp, err := checkForUpdate(stack, brokerAddr, logger)
				if err != nil {
					logger.Error("updatecheck:failed", slog.String("err", err.Error()), slog.Int("attempt", attempt+1))
					wifiStats.updateCheckFailCount++
					if attempt < maxRetries {
						continue
					}
					telemetry.EndSpan(checkSpanIdx, false)
					consecutiveFailures++
					logger.Warn("watchdog:failure-count", slog.Int("consecutive", consecutiveFailures), slog.Int("max", maxConsecutiveFailures))
					checkSystemHealth(logger)
				} else {
					telemetry.EndSpan(checkSpanIdx, true)
					wifiStats.lastUpdateCheckSucc = time.Now()
					wifiStats.updateCheckSuccCount++
					lastUpdateCheck = time.Now()

					telemetry.RecordCounter("updatecheck.success.count", int64(wifiStats.updateCheckSuccCount))
					telemetry.RecordCounter("updatecheck.fail.count", int64(wifiStats.updateCheckFailCount))

					consecutiveFailures = 0
					lastSuccessfulCheck = time.Now()
					logger.Info("updatecheck:response", slog.String("payload", resp))

					if resp == "available" {
						logger.Info("updatecheck:update-available")
						otaServer.Enable(0)
					}
					break
				}
			}
		}

		feedWatchdogIfHealthy()

		ledSpanIdx := telemetry.StartSpan(stack, "led-update")
		st := bootswapEngine.SwapTypeMulti(0)
		logger.Info("swap:state", slog.String("swap_type", st.String()))
		updateLEDsFromSwapType(st)
		telemetry.EndSpan(ledSpanIdx, true)

		telemetry.EndSpan(cycleSpanIdx, true)

		logger.Info("sleep:starting",
			slog.Duration("duration", updateCheckInterval),
			slog.Duration("until_next_check", updateCheckInterval-time.Since(lastUpdateCheck)),
		)
		sleepWithRefreshCheck(updateCheckInterval, refreshChan, logger)
		logger.Info("sleep:waking")
	}
}

func sleepWithRefreshCheck(duration time.Duration, refreshChan chan struct{}, logger *slog.Logger) {
	if debugSleepDuration > 0 {
		duration = debugSleepDuration
		logger.Info("sleep:using-debug-duration", slog.Duration("duration", duration))
	}

	checkInterval := 5 * time.Second
	if duration < checkInterval {
		checkInterval = duration
	}
	elapsed := time.Duration(0)

	for elapsed < duration {
		feedWatchdogIfHealthy()
		select {
		case <-refreshChan:
			logger.Info("sleep:manual-check-triggered")
			forceUpdateCheck = true
			return
		case <-time.After(checkInterval):
			elapsed += checkInterval
		}
	}
}

func feedWatchdogIfHealthy() {
	if systemHealthy {
		machine.Watchdog.Update()
	}
}

func checkSystemHealth(logger *slog.Logger) {
	if consecutiveFailures >= maxConsecutiveFailures {
		logger.Error("watchdog:unhealthy", slog.String("reason", "max consecutive failures"), slog.Int("failures", consecutiveFailures))
		systemHealthy = false
		return
	}
	hoursSinceSuccess := time.Since(lastSuccessfulCheck).Hours()
	if hoursSinceSuccess >= maxHoursWithoutCheck {
		logger.Error("watchdog:unhealthy", slog.String("reason", "max hours without check"), slog.Float64("hours", hoursSinceSuccess))
		systemHealthy = false
		return
	}
}

func loopForeverStack(stack *cywnet.Stack) {
	var count int
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		count++
		if count >= 100 {
			feedWatchdogIfHealthy()
			count = 0
		}
	}
}

var ntpFallbackServers = []string{
	"time.cloudflare.com",
	"time.google.com",
	"pool.ntp.org",
}

func syncNTP(stack *xnet.StackAsync, dnsServers []netip.Addr, logger *slog.Logger) (time.Duration, error) {
	servers := []string{config.NTPServer()}
	for _, fallback := range ntpFallbackServers {
		if fallback != servers[0] {
			servers = append(servers, fallback)
		}
	}

	rstack := stack.StackRetrying(pollTime)
	var lastErr error
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for _, ntpHost := range servers {
		logger.Info("ntp:trying", slog.String("server", ntpHost))
		feedWatchdogIfHealthy()
		time.Sleep(100 * time.Millisecond)

		addrs, err := rstack.DoLookupIP(ntpHost, 5*time.Second, 2)
		if err != nil {
			logger.Warn("ntp:dns-failed", slog.String("server", ntpHost), slog.String("err", err.Error()))
			lastErr = err
			sleepWithWatchdog(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		logger.Info("ntp:dns-resolved", slog.String("server", ntpHost), slog.Int("addrs", len(addrs)))

		for i, addr := range addrs {
			feedWatchdogIfHealthy()
			time.Sleep(200 * time.Millisecond)
			logger.Info("ntp:requesting", slog.String("addr", addr.String()), slog.Int("attempt", i+1))

			offset, err := rstack.DoNTP(addr, 5*time.Second, 3)
			if err != nil {
				logger.Warn("ntp:addr-failed", slog.String("addr", addr.String()), slog.String("err", err.Error()))
				lastErr = err
				sleepWithWatchdog(backoff)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			runtime.AdjustTimeOffset(int64(offset))
			ntpTimeOffset = offset
			lastNTPSync = time.Now()
			ntpSyncCount++

			logger.Info("ntp:synced",
				slog.String("server", ntpHost),
				slog.String("addr", addr.String()),
				slog.Duration("offset", offset),
			)
			return offset, nil
		}
	}

	ntpFailCount++
	logger.Error("ntp:all-failed", slog.Int("servers_tried", len(servers)))
	return 0, lastErr
}

func sleepWithWatchdog(d time.Duration) {
	for d > 0 {
		chunk := 2 * time.Second
		if d < chunk {
			chunk = d
		}
		time.Sleep(chunk)
		feedWatchdogIfHealthy()
		d -= chunk
	}
}
