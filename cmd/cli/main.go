package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const (
	defaultPort    = "23"
	otaPort        = "4242"
	defaultTimeout = 10 * time.Second
	readTimeout    = 5 * time.Second
	otaChunkSize   = 4096 // 4KB chunks for OTA
)

func main() {
	// "local" bypasses the device entirely and drives bootswap against a
	// flat flash-image file.
	if len(os.Args) > 1 && os.Args[1] == "local" {
		if err := runLocal(os.Args[2:]); err != nil {
			exitWithError(err)
		}
		return
	}

	loadEnvFile()

	host := pflag.String("host", "", "device IP address (required)")
	port := pflag.String("port", defaultPort, "device console port")
	cmd := pflag.String("cmd", "", "single command to execute (interactive mode if empty)")
	password := pflag.String("password", "", "console password (or BOOTSWAP_PASSWORD env var)")
	pflag.Parse()

	if *host == "" {
		if pflag.NArg() > 0 {
			*host = pflag.Arg(0)
		} else {
			printUsage()
			os.Exit(1)
		}
	}

	if *cmd == "" && pflag.NArg() > 1 {
		*cmd = pflag.Arg(1)
	}

	pass := getPassword(*password)

	if *cmd == "ota-push" || (pflag.NArg() > 1 && pflag.Arg(1) == "ota-push") {
		var fwPath string
		if pflag.NArg() > 2 {
			fwPath = pflag.Arg(2)
		} else {
			fmt.Println("Usage: bootswap-cli <ip> ota-push <image.bin>")
			os.Exit(1)
		}
		if err := otaPush(*host, fwPath, pass); err != nil {
			exitWithError(fmt.Errorf("OTA push failed: %w", err))
		}
		return
	}

	if *cmd == "ota-info" || (pflag.NArg() > 1 && pflag.Arg(1) == "ota-info") {
		if err := otaInfo(*host, pass); err != nil {
			exitWithError(err)
		}
		return
	}

	if *cmd == "ota-enable" || (pflag.NArg() > 1 && pflag.Arg(1) == "ota-enable") {
		var timeout string
		if pflag.NArg() > 2 {
			timeout = pflag.Arg(2)
		}
		if err := otaEnable(*host, timeout, pass); err != nil {
			exitWithError(err)
		}
		return
	}

	addr := net.JoinHostPort(*host, *port)

	var err error
	if *cmd != "" {
		err = runCommand(addr, *cmd, pass)
	} else {
		err = interactive(addr, pass)
	}
	if err != nil {
		exitWithError(err)
	}
}

func printUsage() {
	fmt.Println("bootswap-cli")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  bootswap-cli <ip> [command]")
	fmt.Println("  bootswap-cli --host <ip> [--cmd <command>] [--password <pw>]")
	fmt.Println("  bootswap-cli local <dump|decide|confirm|pending> --image <file> [--layout <file>]")
	fmt.Println()
	fmt.Println("Authentication:")
	fmt.Println("  Password can be provided via:")
	fmt.Println("    --password flag")
	fmt.Println("    BOOTSWAP_PASSWORD environment variable")
	fmt.Println("    .env file (BOOTSWAP_PASSWORD=...)")
	fmt.Println("    Interactive prompt")
	fmt.Println()
	fmt.Println("Console Commands:")
	fmt.Println("  help, version, status, net, wifi, time, swap, confirm, leds, ota")
	fmt.Println("  check, sleep <dur>, ota-enable [dur], ntp, ntp-sync, reboot")
	fmt.Println("  telemetry, telemetry-flush")
	fmt.Println()
	fmt.Println("OTA Commands (over the console connection):")
	fmt.Println("  ota-info                   Query device OTA status")
	fmt.Println("  ota-enable [dur]           Enable OTA server (default: 10m timeout)")
	fmt.Println("  ota-push <file.bin>        Push a candidate image (auto-enables OTA)")
	fmt.Println()
	fmt.Println("Local (offline) Commands:")
	fmt.Println("  local dump    --image <file> [--layout <file>] [--index N]")
	fmt.Println("  local decide  --image <file> [--layout <file>] [--index N]")
	fmt.Println("  local confirm --image <file> [--layout <file>] [--index N]")
	fmt.Println("  local pending --image <file> [--layout <file>] [--index N] [--permanent]")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  bootswap-cli 172.18.1.136                      # Interactive mode")
	fmt.Println("  bootswap-cli 172.18.1.136 status               # Single command")
	fmt.Println("  bootswap-cli local dump --image flash.bin      # Offline inspection")
}

// runCommand executes a single command and prints the response
func runCommand(addr, cmd, password string) error {
	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer conn.Close()

	if err := authenticate(conn, password); err != nil {
		return err
	}

	consumeUntilPrompt(conn)

	_, err = conn.Write([]byte(cmd + "\r\n"))
	if err != nil {
		return fmt.Errorf("send failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	response := make([]byte, 4096)
	n, _ := conn.Read(response)

	output := string(response[:n])
	output = strings.TrimSuffix(output, "> ")
	output = strings.TrimSpace(output)
	fmt.Println(output)

	return nil
}

// interactive runs an interactive session with the device
func interactive(addr, password string) error {
	fmt.Printf("Connecting to %s...\n", addr)

	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer conn.Close()

	if err := authenticate(conn, password); err != nil {
		return err
	}

	fmt.Println("Connected! Type 'quit' or Ctrl+C to exit.")
	fmt.Println()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	welcome := make([]byte, 1024)
	n, _ := conn.Read(welcome)
	fmt.Print(string(welcome[:n]))

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if input == "quit" || input == "exit" {
			fmt.Println("Goodbye!")
			return nil
		}

		_, err = conn.Write([]byte(input + "\r\n"))
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		response := make([]byte, 4096)
		n, err := conn.Read(response)
		if err != nil {
			fmt.Println("Connection lost, reconnecting...")
			conn.Close()
			conn, err = net.DialTimeout("tcp", addr, defaultTimeout)
			if err != nil {
				return fmt.Errorf("reconnect failed: %w", err)
			}
			if err := authenticate(conn, password); err != nil {
				return fmt.Errorf("reconnect auth failed: %w", err)
			}
			consumeUntilPrompt(conn)
			continue
		}

		output := string(response[:n])
		output = strings.TrimSuffix(output, "> ")
		output = strings.TrimSpace(output)
		if output != "" {
			fmt.Println(output)
		}
	}

	return nil
}

// otaInfo displays OTA status by querying the device console
func otaInfo(host, password string) error {
	addr := net.JoinHostPort(host, defaultPort)

	fmt.Println("Querying device OTA status...")
	fmt.Println()

	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer conn.Close()

	if err := authenticate(conn, password); err != nil {
		return err
	}

	consumeUntilPrompt(conn)

	conn.Write([]byte("ota\r\n"))

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	response := make([]byte, 4096)
	n, _ := conn.Read(response)

	output := string(response[:n])
	output = strings.TrimSuffix(output, "> ")
	output = strings.TrimSpace(output)
	fmt.Println(output)

	return nil
}

// otaEnable enables the OTA server on the device via console command
func otaEnable(host, timeout, password string) error {
	addr := net.JoinHostPort(host, defaultPort)

	fmt.Println("Enabling OTA server...")

	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect to console failed: %w", err)
	}
	defer conn.Close()

	if err := authenticate(conn, password); err != nil {
		return err
	}

	consumeUntilPrompt(conn)

	cmd := "ota-enable"
	if timeout != "" {
		cmd = cmd + " " + timeout
	}
	conn.Write([]byte(cmd + "\r\n"))

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	response := make([]byte, 1024)
	n, err := conn.Read(response)
	if err != nil {
		return fmt.Errorf("no response: %w", err)
	}

	output := string(response[:n])
	output = strings.TrimSuffix(output, "> ")
	output = strings.TrimSpace(output)

	if !strings.Contains(output, "enabled") && !strings.Contains(output, "ENABLED") {
		if strings.Contains(output, "Unknown command") {
			return fmt.Errorf("device has old firmware without ota-enable support")
		}
		return fmt.Errorf("unexpected response: %s", output)
	}

	fmt.Println(output)
	return nil
}

// otaPush pushes a candidate image to the device
func otaPush(host, fwPath, password string) error {
	fw, err := os.ReadFile(fwPath)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	hash := sha256.Sum256(fw)
	fmt.Printf("Image: %s\n", fwPath)
	fmt.Printf("Size: %d bytes (%d KB)\n", len(fw), len(fw)/1024)
	fmt.Printf("SHA256: %x\n", hash[:8])
	fmt.Println()

	if err := otaEnable(host, "", password); err != nil {
		if strings.Contains(err.Error(), "old firmware") {
			fmt.Println("Note: Device has old firmware, OTA port may be always open")
			fmt.Println()
		} else {
			return fmt.Errorf("enable OTA: %w", err)
		}
	} else {
		fmt.Println()
		time.Sleep(500 * time.Millisecond)
	}

	addr := net.JoinHostPort(host, otaPort)
	fmt.Printf("Connecting to %s...\n", addr)

	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect to OTA port failed: %w", err)
	}
	defer conn.Close()

	fmt.Println("Connected to OTA server")

	conn.Write([]byte("OTA 0\n"))

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	response := make([]byte, 256)
	n, err := conn.Read(response)
	if err != nil {
		return fmt.Errorf("no response from device: %w", err)
	}

	resp := strings.TrimSpace(string(response[:n]))
	if !strings.HasPrefix(resp, "READY") {
		return fmt.Errorf("unexpected response: %s", resp)
	}
	fmt.Printf("Device ready: %s\n", resp)

	totalChunks := (len(fw) + otaChunkSize - 1) / otaChunkSize
	fmt.Printf("Sending %d chunks...\n", totalChunks)

	for i := 0; i < len(fw); i += otaChunkSize {
		end := i + otaChunkSize
		if end > len(fw) {
			end = len(fw)
		}
		chunk := fw[i:end]

		lenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(chunk)))
		conn.Write(lenBuf)
		conn.Write(chunk)

		// Flash erase can take 400ms+ per 4KB sector, so the ACK wait is
		// generous.
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		n, err := conn.Read(response)
		if err != nil {
			return fmt.Errorf("chunk %d: no ACK: %w", i/otaChunkSize+1, err)
		}

		resp := strings.TrimSpace(string(response[:n]))
		if !strings.HasPrefix(resp, "ACK") {
			return fmt.Errorf("chunk %d: bad response: %s", i/otaChunkSize+1, resp)
		}

		progress := (i + len(chunk)) * 100 / len(fw)
		fmt.Printf("\r[%3d%%] Chunk %d/%d", progress, i/otaChunkSize+1, totalChunks)
	}
	fmt.Println()

	hashHex := fmt.Sprintf("%x", hash)
	fmt.Printf("Verifying (hash: %s)...\n", hashHex)
	conn.Write([]byte(fmt.Sprintf("DONE %s\n", hashHex)))

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	n, err = conn.Read(response)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	resp = strings.TrimSpace(string(response[:n]))
	if resp != "VERIFIED" {
		return fmt.Errorf("verification failed: %s", resp)
	}

	fmt.Println("Image verified!")
	fmt.Println("Device will reboot into the new partition...")

	return nil
}

// loadEnvFile loads environment variables from .env file in current directory
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return
	}

	lines := strings.Split(string(data), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// getPassword resolves password from various sources.
// Priority: flag > env > .env (already loaded) > interactive prompt
func getPassword(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	if envPass := os.Getenv("BOOTSWAP_PASSWORD"); envPass != "" {
		return envPass
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("Password: ")
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err == nil && len(password) > 0 {
			return string(password)
		}
	}

	return ""
}

// authenticate handles the password authentication after connecting
func authenticate(conn net.Conn, password string) error {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	prompt := make([]byte, 64)
	n, err := conn.Read(prompt)
	if err != nil {
		return fmt.Errorf("read prompt failed: %w", err)
	}

	promptStr := string(stripTelnetIAC(prompt[:n]))
	if !strings.Contains(strings.ToLower(promptStr), "password") {
		return fmt.Errorf("unexpected prompt: %s", promptStr)
	}

	_, err = conn.Write([]byte(password + "\r\n"))
	if err != nil {
		return fmt.Errorf("send password failed: %w", err)
	}

	return nil
}

// stripTelnetIAC removes telnet IAC (Interpret As Command) sequences from data.
// IAC = 0xFF, followed by command byte and possibly option byte.
func stripTelnetIAC(data []byte) []byte {
	result := make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		if data[i] == 0xFF && i+1 < len(data) {
			cmd := data[i+1]
			if cmd >= 0xFB && cmd <= 0xFE && i+2 < len(data) {
				i += 3
			} else {
				i += 2
			}
		} else {
			result = append(result, data[i])
			i++
		}
	}
	return result
}

// consumeUntilPrompt reads from connection until we see "> " prompt or timeout.
func consumeUntilPrompt(conn net.Conn) {
	buf := make([]byte, 256)
	accumulated := ""
	deadline := time.Now().Add(readTimeout)

	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := conn.Read(buf)
		if n > 0 {
			accumulated += string(stripTelnetIAC(buf[:n]))
			if strings.Contains(accumulated, "> ") {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
