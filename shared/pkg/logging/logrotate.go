package logging

import "fmt"

// GenerateLogrotateConfig creates a logrotate configuration for a component
func GenerateLogrotateConfig(component string) string {
	return fmt.Sprintf(`# Logrotate configuration for resident %s
# Install: sudo cp this file to /etc/logrotate.d/resident-%s

%s/%s/*.log {
    daily
    rotate 14
    compress
    delaycompress
    missingok
    notifempty
    create 0644 resident resident
    sharedscripts

    # Workers reopen their log files when the service reloads
    postrotate
        systemctl reload resident-%s 2>/dev/null || true
    endscript
}
`, component, component, DefaultLogDir, component, component)
}
