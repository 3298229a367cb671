package deps

import "github.com/jkaninda/runbox/internal/rewrite"

var importToPip = map[string]string{
	"PIL":           "Pillow",
	"cv2":           "opencv-python",
	"sklearn":       "scikit-learn",
	"bs4":           "beautifulsoup4",
	"serial":        "pyserial",
	"yaml":          "PyYAML",
	"dateutil":      "python-dateutil",
	"dotenv":        "python-dotenv",
	"Crypto":        "pycryptodome",
	"nacl":          "PyNaCl",
	"google":        "google-cloud",
	"pymysql":       "PyMySQL",
	"psycopg2":      "psycopg2-binary",
	"jwt":           "PyJWT",
	"faker":         "Faker",
	"pytest_mock":   "pytest-mock",
	"time_machine":  "time-machine",
	"magic":         "python-magic",
	"jose":          "python-jose",
	"multipart":     "python-multipart",
	"OpenSSL":       "pyOpenSSL",
	"attr":          "attrs",
	"pkg_resources": "setuptools",
}

// pythonStdlib lists modules that never need installing: the standard
// library, the canonical source module and the packages preinstalled in the
// Python runtime images.
var pythonStdlib = map[string]bool{rewrite.SourceModule: true}

func init() {
	for _, m := range []string{
		"__future__", "_thread", "abc", "aifc", "argparse", "array", "ast", "asynchat", "asyncio",
		"asyncore", "atexit", "audioop", "base64", "bdb", "binascii", "bisect", "builtins", "bz2",
		"calendar", "cgi", "cgitb", "chunk", "cmath", "cmd", "code", "codecs", "codeop", "collections",
		"colorsys", "compileall", "concurrent", "configparser", "contextlib", "contextvars", "copy",
		"copyreg", "cProfile", "crypt", "csv", "ctypes", "curses", "dataclasses", "datetime", "dbm",
		"decimal", "difflib", "dis", "doctest", "email", "encodings", "ensurepip", "enum", "errno",
		"faulthandler", "fcntl", "filecmp", "fileinput", "fnmatch", "fractions", "ftplib", "functools",
		"gc", "getopt", "getpass", "gettext", "glob", "graphlib", "grp", "gzip", "hashlib", "heapq",
		"hmac", "html", "http", "idlelib", "imaplib", "imghdr", "importlib", "inspect", "io",
		"ipaddress", "itertools", "json", "keyword", "lib2to3", "linecache", "locale", "logging",
		"lzma", "mailbox", "mailcap", "marshal", "math", "mimetypes", "mmap", "modulefinder",
		"multiprocessing", "netrc", "nntplib", "numbers", "operator", "optparse", "os", "pathlib",
		"pdb", "pickle", "pickletools", "pipes", "pkgutil", "platform", "plistlib", "poplib", "posix",
		"pprint", "profile", "pstats", "pty", "pwd", "py_compile", "pyclbr", "pydoc", "queue",
		"quopri", "random", "re", "readline", "reprlib", "resource", "rlcompleter", "runpy", "sched",
		"secrets", "select", "selectors", "shelve", "shlex", "shutil", "signal", "site", "smtplib",
		"sndhdr", "socket", "socketserver", "spwd", "sqlite3", "ssl", "stat", "statistics", "string",
		"stringprep", "struct", "subprocess", "sunau", "symtable", "sys", "sysconfig", "syslog",
		"tabnanny", "tarfile", "telnetlib", "tempfile", "termios", "textwrap", "threading", "time",
		"timeit", "tkinter", "token", "tokenize", "tomllib", "trace", "traceback", "tracemalloc",
		"tty", "turtle", "types", "typing", "unicodedata", "unittest", "urllib", "uu", "uuid", "venv",
		"warnings", "wave", "weakref", "webbrowser", "wsgiref", "xdrlib", "xml", "xmlrpc", "zipapp",
		"zipfile", "zipimport", "zlib", "zoneinfo",
		// test helpers
		"mock", "_pytest", "conftest",
		// preinstalled in the runtime images
		"pytest", "flask", "requests", "werkzeug",
	} {
		pythonStdlib[m] = true
	}
}
